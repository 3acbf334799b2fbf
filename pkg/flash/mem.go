package flash

import (
	"fmt"
	"sync"
)

type memSlot struct {
	slot      Slot
	image     []byte
	valid     bool
	unmounted bool
}

// MemDirectory is an in-memory slot directory used by tests and the
// simulator. The exported knobs inject failures into the underlying
// storage driver.
type MemDirectory struct {
	// BeginErr is returned by the next Begin call if set.
	BeginErr error

	// WriteErr is returned by writes once WriteErrAfter bytes have been
	// accepted in total.
	WriteErr      error
	WriteErrAfter int64

	// BootGlitches is the number of SetBootTarget calls that silently
	// fail to persist the record.
	BootGlitches int

	slots   map[string]*memSlot
	order   []string
	running string
	boot    string
	open    *memWriter
	written int64
	sets    int
	mutex   sync.Mutex
}

// NewMemDirectory creates a new MemDirectory with the default layout,
// running from and booting the first application slot.
func NewMemDirectory() *MemDirectory {
	// prepare slots
	slots := make(map[string]*memSlot)
	order := make([]string, 0, len(DefaultLayout))
	for _, slot := range DefaultLayout {
		slots[slot.Label] = &memSlot{slot: slot}
		order = append(order, slot.Label)
	}

	return &MemDirectory{
		slots:   slots,
		order:   order,
		running: "ota_0",
		boot:    "ota_0",
	}
}

// SetRunning adjusts the slot the directory reports as running.
func (d *MemDirectory) SetRunning(label string) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.running = label
}

// List implements the Directory interface.
func (d *MemDirectory) List() ([]Slot, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// collect slots in layout order
	list := make([]Slot, 0, len(d.order))
	for _, label := range d.order {
		list = append(list, d.slots[label].slot)
	}

	return list, nil
}

// Running implements the Directory interface.
func (d *MemDirectory) Running() (Slot, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.slots[d.running].slot, nil
}

// NextUpdate implements the Directory interface.
func (d *MemDirectory) NextUpdate() (Slot, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// find the first non-running interchangeable app slot
	for _, label := range d.order {
		ms := d.slots[label]
		if ms.slot.Kind == KindApp && label != "factory" && label != d.running {
			return ms.slot, nil
		}
	}

	return Slot{}, ErrNoSlot
}

// Filesystem implements the Directory interface.
func (d *MemDirectory) Filesystem() (Slot, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// find the data slot
	for _, label := range d.order {
		if d.slots[label].slot.Kind == KindData {
			return d.slots[label].slot, nil
		}
	}

	return Slot{}, ErrNoSlot
}

// Factory implements the Directory interface.
func (d *MemDirectory) Factory() (Slot, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// lookup factory slot
	ms, ok := d.slots["factory"]
	if !ok {
		return Slot{}, ErrNoSlot
	}

	return ms.slot, nil
}

// Begin implements the Directory interface.
func (d *MemDirectory) Begin(slot Slot, size int64) (Writer, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// handle injected error
	if d.BeginErr != nil {
		err := d.BeginErr
		d.BeginErr = nil
		return nil, err
	}

	// check open writer
	if d.open != nil {
		return nil, ErrBusy
	}

	// lookup slot
	ms, ok := d.slots[slot.Label]
	if !ok {
		return nil, ErrNoSlot
	}

	// check size
	if size > ms.slot.Size {
		return nil, fmt.Errorf("image too large for partition (%d > %d)", size, ms.slot.Size)
	}

	// prepare writer
	w := &memWriter{
		dir:      d,
		ms:       ms,
		expected: size,
		buffer:   make([]byte, 0, size),
	}

	// track writer
	d.open = w

	// invalidate previous image
	ms.image = nil
	ms.valid = false

	return w, nil
}

// BootTarget implements the Directory interface.
func (d *MemDirectory) BootTarget() (Slot, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.slots[d.boot].slot, nil
}

// SetBootTarget implements the Directory interface.
func (d *MemDirectory) SetBootTarget(slot Slot) error {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// count set
	d.sets++

	// drop the write if a glitch is injected
	if d.BootGlitches > 0 {
		d.BootGlitches--
		return nil
	}

	d.boot = slot.Label

	return nil
}

// Unmount implements the Directory interface.
func (d *MemDirectory) Unmount(slot Slot) error {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// mark slot
	if ms, ok := d.slots[slot.Label]; ok {
		ms.unmounted = true
	}

	return nil
}

// Image returns the committed image of the provided slot, or nil if the
// slot holds no valid image.
func (d *MemDirectory) Image(label string) []byte {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// lookup slot
	ms, ok := d.slots[label]
	if !ok || !ms.valid {
		return nil
	}

	return ms.image
}

// Committed returns whether the provided slot holds a finalized image.
func (d *MemDirectory) Committed(label string) bool {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ms, ok := d.slots[label]

	return ok && ms.valid
}

// Unmounted returns whether the provided slot has been unmounted.
func (d *MemDirectory) Unmounted(label string) bool {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ms, ok := d.slots[label]

	return ok && ms.unmounted
}

// BootSets returns the number of SetBootTarget calls observed.
func (d *MemDirectory) BootSets() int {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.sets
}

type memWriter struct {
	dir      *MemDirectory
	ms       *memSlot
	expected int64
	buffer   []byte
	closed   bool
}

func (w *memWriter) Write(data []byte) (int, error) {
	// acquire mutex
	w.dir.mutex.Lock()
	defer w.dir.mutex.Unlock()

	// check state
	if w.closed {
		return 0, fmt.Errorf("write to closed writer")
	}

	// check declared size
	if int64(len(w.buffer))+int64(len(data)) > w.expected {
		return 0, fmt.Errorf("write exceeds declared image size")
	}

	// handle injected error
	if w.dir.WriteErr != nil {
		w.dir.written += int64(len(data))
		if w.dir.written > w.dir.WriteErrAfter {
			return 0, w.dir.WriteErr
		}
	}

	// append data
	w.buffer = append(w.buffer, data...)

	return len(data), nil
}

func (w *memWriter) Finalize() error {
	// acquire mutex
	w.dir.mutex.Lock()
	defer w.dir.mutex.Unlock()

	// check state
	if w.closed {
		return fmt.Errorf("finalize of closed writer")
	}

	// close writer
	w.closed = true
	w.dir.open = nil

	// verify size
	if int64(len(w.buffer)) != w.expected {
		return fmt.Errorf("short image: wrote %d of %d bytes", len(w.buffer), w.expected)
	}

	// commit image
	w.ms.image = w.buffer
	w.ms.valid = true

	return nil
}

func (w *memWriter) Abort() {
	// acquire mutex
	w.dir.mutex.Lock()
	defer w.dir.mutex.Unlock()

	// check state
	if w.closed {
		return
	}

	// close writer and discard data
	w.closed = true
	w.dir.open = nil
	w.ms.image = nil
	w.ms.valid = false
}
