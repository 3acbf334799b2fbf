package update

import "golang.org/x/sys/unix"

// SystemGauge reports the free memory of the host system.
type SystemGauge struct{}

// Free implements the Gauge interface.
func (SystemGauge) Free() int64 {
	var info unix.Sysinfo_t
	err := unix.Sysinfo(&info)
	if err != nil {
		return 1 << 40
	}

	return int64(info.Freeram) * int64(info.Unit)
}
