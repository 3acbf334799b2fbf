package update

// Gauge reports the amount of free memory. Sessions sample it at coarse
// progress steps to abort uploads under memory pressure.
type Gauge interface {
	Free() int64
}

// FixedGauge always reports the same amount of free memory.
type FixedGauge struct {
	Bytes int64
}

// Free implements the Gauge interface.
func (g FixedGauge) Free() int64 {
	return g.Bytes
}

// GaugeFunc adapts a plain function to the Gauge interface.
type GaugeFunc func() int64

// Free implements the Gauge interface.
func (f GaugeFunc) Free() int64 {
	return f()
}
