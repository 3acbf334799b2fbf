package flash

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type bootRecord struct {
	Boot string `json:"boot"`
}

// FileDirectory is a slot directory backed by one image file per slot
// below a state directory. Images are staged as partial files and renamed
// into place on finalize, and the boot selector is kept in a small record
// file next to them.
type FileDirectory struct {
	root    string
	running string
	slots   map[string]Slot
	order   []string
	open    *fileWriter
	mutex   sync.Mutex
}

// NewFileDirectory creates a new FileDirectory below the provided root
// using the default layout. The running label names the slot the current
// process has been started from.
func NewFileDirectory(root, running string) (*FileDirectory, error) {
	// ensure root
	err := os.MkdirAll(root, 0755)
	if err != nil {
		return nil, err
	}

	// prepare slots
	slots := make(map[string]Slot)
	order := make([]string, 0, len(DefaultLayout))
	for _, slot := range DefaultLayout {
		slots[slot.Label] = slot
		order = append(order, slot.Label)
	}

	// verify running label
	if _, ok := slots[running]; !ok {
		return nil, fmt.Errorf("unknown running slot: %s", running)
	}

	return &FileDirectory{
		root:    root,
		running: running,
		slots:   slots,
		order:   order,
	}, nil
}

// List implements the Directory interface.
func (d *FileDirectory) List() ([]Slot, error) {
	// collect slots in layout order
	list := make([]Slot, 0, len(d.order))
	for _, label := range d.order {
		list = append(list, d.slots[label])
	}

	return list, nil
}

// Running implements the Directory interface.
func (d *FileDirectory) Running() (Slot, error) {
	return d.slots[d.running], nil
}

// NextUpdate implements the Directory interface.
func (d *FileDirectory) NextUpdate() (Slot, error) {
	// find the first non-running interchangeable app slot
	for _, label := range d.order {
		slot := d.slots[label]
		if slot.Kind == KindApp && label != "factory" && label != d.running {
			return slot, nil
		}
	}

	return Slot{}, ErrNoSlot
}

// Filesystem implements the Directory interface.
func (d *FileDirectory) Filesystem() (Slot, error) {
	// find the data slot
	for _, label := range d.order {
		if d.slots[label].Kind == KindData {
			return d.slots[label], nil
		}
	}

	return Slot{}, ErrNoSlot
}

// Factory implements the Directory interface.
func (d *FileDirectory) Factory() (Slot, error) {
	// lookup factory slot
	slot, ok := d.slots["factory"]
	if !ok {
		return Slot{}, ErrNoSlot
	}

	return slot, nil
}

// Begin implements the Directory interface.
func (d *FileDirectory) Begin(slot Slot, size int64) (Writer, error) {
	// acquire mutex
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// check open writer
	if d.open != nil {
		return nil, ErrBusy
	}

	// lookup slot
	known, ok := d.slots[slot.Label]
	if !ok {
		return nil, ErrNoSlot
	}

	// check size
	if size > known.Size {
		return nil, fmt.Errorf("image too large for partition (%d > %d)", size, known.Size)
	}

	// create partial file
	partial := filepath.Join(d.root, slot.Label+".partial")
	file, err := os.Create(partial)
	if err != nil {
		return nil, err
	}

	// prepare writer
	w := &fileWriter{
		dir:      d,
		file:     file,
		partial:  partial,
		final:    filepath.Join(d.root, slot.Label+".img"),
		expected: size,
	}

	// track writer
	d.open = w

	return w, nil
}

// BootTarget implements the Directory interface.
func (d *FileDirectory) BootTarget() (Slot, error) {
	// read record
	data, err := os.ReadFile(filepath.Join(d.root, "boot.json"))
	if os.IsNotExist(err) {
		return d.slots[d.running], nil
	} else if err != nil {
		return Slot{}, err
	}

	// decode record
	var record bootRecord
	err = json.Unmarshal(data, &record)
	if err != nil {
		return Slot{}, err
	}

	// lookup slot
	slot, ok := d.slots[record.Boot]
	if !ok {
		return Slot{}, fmt.Errorf("unknown boot slot: %s", record.Boot)
	}

	return slot, nil
}

// SetBootTarget implements the Directory interface.
func (d *FileDirectory) SetBootTarget(slot Slot) error {
	// encode record
	data, err := json.Marshal(bootRecord{Boot: slot.Label})
	if err != nil {
		return err
	}

	// write record to a temporary file first so a crash mid-write cannot
	// destroy the current selector
	path := filepath.Join(d.root, "boot.json")
	tmp := path + ".tmp"
	err = os.WriteFile(tmp, append(data, '\n'), 0644)
	if err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// Unmount implements the Directory interface. The daemon never mounts the
// filesystem image itself, so there is no live handle to detach.
func (d *FileDirectory) Unmount(Slot) error {
	return nil
}

type fileWriter struct {
	dir      *FileDirectory
	file     *os.File
	partial  string
	final    string
	expected int64
	written  int64
	closed   bool
}

func (w *fileWriter) Write(data []byte) (int, error) {
	// check state
	if w.closed {
		return 0, fmt.Errorf("write to closed writer")
	}

	// check declared size
	if w.written+int64(len(data)) > w.expected {
		return 0, fmt.Errorf("write exceeds declared image size")
	}

	// write data
	n, err := w.file.Write(data)
	w.written += int64(n)
	if err != nil {
		return n, err
	}

	return n, nil
}

func (w *fileWriter) Finalize() error {
	// check state
	if w.closed {
		return fmt.Errorf("finalize of closed writer")
	}

	// close writer
	w.closed = true
	w.dir.mutex.Lock()
	w.dir.open = nil
	w.dir.mutex.Unlock()

	// verify size
	if w.written != w.expected {
		_ = w.file.Close()
		_ = os.Remove(w.partial)
		return fmt.Errorf("short image: wrote %d of %d bytes", w.written, w.expected)
	}

	// flush and close file
	err := w.file.Sync()
	if err != nil {
		_ = w.file.Close()
		return err
	}
	err = w.file.Close()
	if err != nil {
		return err
	}

	// move image into place
	return os.Rename(w.partial, w.final)
}

func (w *fileWriter) Abort() {
	// check state
	if w.closed {
		return
	}

	// close writer and discard partial file
	w.closed = true
	w.dir.mutex.Lock()
	w.dir.open = nil
	w.dir.mutex.Unlock()
	_ = w.file.Close()
	_ = os.Remove(w.partial)
}
