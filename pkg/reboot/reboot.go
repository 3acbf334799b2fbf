// Package reboot implements the deferred restart of the device. A single
// pending reboot is checked once per cooperative tick and quiesces the
// display before the device goes down.
package reboot

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/lumatrix/lumatrix/pkg/display"
	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// Restarter performs the hard device restart.
type Restarter interface {
	Restart()
}

// RestarterFunc adapts a plain function to the Restarter interface.
type RestarterFunc func()

// Restart implements the Restarter interface.
func (f RestarterFunc) Restart() {
	f()
}

// ExecRestarter restarts the host system.
type ExecRestarter struct {
	Out io.Writer
}

// Restart implements the Restarter interface.
func (r *ExecRestarter) Restart() {
	err := exec.Command("reboot").Run()
	if err != nil {
		utils.Logf(r.Out, "reboot: %s", err.Error())
	}
}

// ExitRestarter exits the process instead of restarting the host. It is
// used by the simulator.
type ExitRestarter struct {
	Code int
}

// Restart implements the Restarter interface.
func (r ExitRestarter) Restart() {
	os.Exit(r.Code)
}

type pending struct {
	fireAt time.Time
	force  *flash.Slot
}

// Scheduler holds at most one pending reboot. Arming while one is
// already pending replaces it, all call sites arm shortly before they
// intend to restart anyway.
type Scheduler struct {
	// Directory is used to force the boot selector before restarting.
	Directory flash.Directory

	// Display is cleared before the restart so no stale pixel data
	// survives the reset through a refresh glitch.
	Display display.Display

	// Restarter performs the restart. On real deployments this call
	// does not return.
	Restarter Restarter

	// Now returns the current time, defaults to time.Now.
	Now func() time.Time

	// Sleep waits for hardware to settle, defaults to time.Sleep.
	Sleep func(time.Duration)

	// Out receives log messages.
	Out io.Writer

	mutex   sync.Mutex
	pending *pending
}

// Arm will schedule a reboot after the provided delay, optionally
// forcing the boot selector to the provided slot first. A previously
// armed reboot is replaced.
func (s *Scheduler) Arm(delay time.Duration, force *flash.Slot) {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// copy forced slot
	var slot *flash.Slot
	if force != nil {
		f := *force
		slot = &f
	}

	// replace pending reboot
	s.pending = &pending{
		fireAt: s.now().Add(delay),
		force:  slot,
	}
	utils.Logf(s.Out, "reboot: scheduled in %s", delay.String())
}

// Pending will return whether a reboot is armed.
func (s *Scheduler) Pending() bool {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.pending != nil
}

// Tick will fire a due reboot. It is meant to be called periodically
// from the cooperative main loop and only returns before the restart if
// no reboot is due.
func (s *Scheduler) Tick() {
	// consume a due reboot
	s.mutex.Lock()
	if s.pending == nil || s.now().Before(s.pending.fireAt) {
		s.mutex.Unlock()
		return
	}
	p := s.pending
	s.pending = nil
	s.mutex.Unlock()

	// clear the panel and let the refresh settle
	if s.Display != nil {
		_ = s.Display.Clear()
	}
	s.sleep(50 * time.Millisecond)

	// force the boot selector if requested
	if p.force != nil && s.Directory != nil {
		err := s.Directory.SetBootTarget(*p.force)
		if err != nil {
			utils.Logf(s.Out, "reboot: failed to set boot slot: %s", err.Error())
		}
	}
	s.sleep(100 * time.Millisecond)

	// restart
	utils.Log(s.Out, "reboot: restarting")
	s.Restarter.Restart()
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}

	return time.Now()
}

func (s *Scheduler) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}

	time.Sleep(d)
}
