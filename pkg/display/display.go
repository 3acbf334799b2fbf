// Package display defines the capability surface the update machinery
// needs from the LED matrix. The real panel driver lives in the renderer
// process; the daemon only quiesces it and pushes progress.
package display

import (
	"io"

	"github.com/lumatrix/lumatrix/pkg/utils"
)

// Display is the interface used to quiesce the matrix and render update
// progress. Lock and Unlock bracket phases during which the animation
// loop must not touch the panel.
type Display interface {
	Clear() error
	ShowProgress(version string, percent int)
	Lock()
	Unlock()
}

// NullDisplay is a no-op display.
type NullDisplay struct{}

// Clear implements the Display interface.
func (NullDisplay) Clear() error { return nil }

// ShowProgress implements the Display interface.
func (NullDisplay) ShowProgress(string, int) {}

// Lock implements the Display interface.
func (NullDisplay) Lock() {}

// Unlock implements the Display interface.
func (NullDisplay) Unlock() {}

// LogDisplay writes display activity to the provided writer. It is used
// by the daemon when no panel is attached.
type LogDisplay struct {
	Out io.Writer
}

// Clear implements the Display interface.
func (d *LogDisplay) Clear() error {
	utils.Log(d.Out, "display cleared")
	return nil
}

// ShowProgress implements the Display interface.
func (d *LogDisplay) ShowProgress(version string, percent int) {
	utils.Logf(d.Out, "updating to %s: %d%%", version, percent)
}

// Lock implements the Display interface.
func (d *LogDisplay) Lock() {}

// Unlock implements the Display interface.
func (d *LogDisplay) Unlock() {}
