// Package flash provides access to the partitioned flash storage of a
// device. It exposes the slot directory used by the update engine together
// with an in-memory implementation for tests and simulation and a
// file-backed implementation for deployments.
package flash

import (
	"errors"
	"io"
)

// The available directory errors.
var (
	// ErrNoSlot is returned when no writable update slot exists.
	ErrNoSlot = errors.New("no OTA partition available")

	// ErrBusy is returned when a write is begun while another is open.
	ErrBusy = errors.New("write already in progress")
)

// Kind represents a partition class.
type Kind int

// The available partition classes.
const (
	// KindApp marks partitions that hold application images.
	KindApp Kind = iota

	// KindData marks partitions that hold filesystem images.
	KindData
)

// String implements the fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// A Slot describes a single flash partition.
type Slot struct {
	Label string
	Kind  Kind
	Size  int64
}

// DefaultLayout is the slot layout of the appliance: a factory image, two
// interchangeable application slots and one filesystem slot.
var DefaultLayout = []Slot{
	{Label: "factory", Kind: KindApp, Size: 0x1E0000},
	{Label: "ota_0", Kind: KindApp, Size: 0x1E0000},
	{Label: "ota_1", Kind: KindApp, Size: 0x1E0000},
	{Label: "storage", Kind: KindData, Size: 0x100000},
}

// A Writer is an open sequential write handle into one slot. A writer must
// be finalized or aborted exactly once. Finalize fails if fewer bytes than
// declared have been written, writes beyond the declared size fail
// immediately, and Abort leaves the slot in a known invalid state.
type Writer interface {
	io.Writer
	Finalize() error
	Abort()
}

// A Directory provides access to the flash slots of a device and to the
// persistent boot selector the bootloader consults on power-up.
type Directory interface {
	// List returns all slots of the device.
	List() ([]Slot, error)

	// Running returns the slot the current firmware is executing from.
	Running() (Slot, error)

	// NextUpdate returns the application slot that is not currently
	// running and may receive a new image. It returns ErrNoSlot if no
	// such slot exists.
	NextUpdate() (Slot, error)

	// Filesystem returns the filesystem slot.
	Filesystem() (Slot, error)

	// Factory returns the factory application slot.
	Factory() (Slot, error)

	// Begin opens a sequential writer into the provided slot for an image
	// of the declared size.
	Begin(slot Slot, size int64) (Writer, error)

	// BootTarget reads the persistent boot selector.
	BootTarget() (Slot, error)

	// SetBootTarget points the persistent boot selector at the provided
	// slot.
	SetBootTarget(slot Slot) error

	// Unmount detaches any live filesystem handle on the provided slot so
	// it can be rewritten. The slot stays unmounted until the next boot.
	Unmount(slot Slot) error
}
