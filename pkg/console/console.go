// Package console implements the line based command console served on
// the configured serial port.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"go.bug.st/serial"

	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/ledger"
	"github.com/lumatrix/lumatrix/pkg/reboot"
	"github.com/lumatrix/lumatrix/pkg/update"
	"github.com/lumatrix/lumatrix/pkg/updater"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// rebootDelay is the delay used for console initiated reboot actions.
const rebootDelay = 500 * time.Millisecond

// Console interprets line commands arriving on a serial port.
type Console struct {
	// Engine reports the update state.
	Engine *update.Engine

	// Scheduler arms console initiated reboots.
	Scheduler *reboot.Scheduler

	// Directory provides slot and boot selector information.
	Directory flash.Directory

	// Updater runs manual update checks, optional.
	Updater *updater.Updater

	// Ledger clears failure markers, optional.
	Ledger *ledger.Ledger

	// Gauge samples free memory for the status command.
	Gauge update.Gauge

	// DeviceName and Version are reported by status and version.
	DeviceName string
	Version    string

	// Out receives log messages.
	Out io.Writer
}

// Open will open the given serial port and serve commands on it in the
// background. The returned closer shuts the port down.
func (c *Console) Open(path string, baud int) (io.Closer, error) {
	// open port
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
	})
	if err != nil {
		return nil, err
	}

	utils.Logf(c.Out, "console: serving on %s", path)

	// serve commands
	go c.Serve(port, port)

	return port, nil
}

// Serve will read commands line by line from the reader and write
// responses to the writer until the reader is drained.
func (c *Console) Serve(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// skip empty lines
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// handle command
		c.handle(strings.ToLower(line), w)
	}
}

func (c *Console) handle(cmd string, w io.Writer) {
	switch cmd {
	case "status":
		c.status(w)
	case "version":
		reply(w, "version: %s", c.Version)
	case "reboot":
		c.Scheduler.Arm(rebootDelay, nil)
		reply(w, "rebooting...")
	case "factory":
		c.factory(w)
	case "update":
		c.update(w)
	case "clear-failed":
		c.clearFailed(w)
	case "help":
		reply(w, "commands: status, version, reboot, factory, update, clear-failed, help")
	default:
		reply(w, "ERROR: unknown command %q, type help for a list", cmd)
	}
}

func (c *Console) status(w io.Writer) {
	// report device and update state
	reply(w, "device: %s", c.DeviceName)
	reply(w, "version: %s", c.Version)
	reply(w, "state: %s", c.Engine.Status().State)

	// report slots
	running, err := c.Directory.Running()
	if err == nil {
		reply(w, "running: %s", running.Label)
	}
	boot, err := c.Directory.BootTarget()
	if err == nil {
		reply(w, "boot: %s", boot.Label)
	}

	// report memory
	reply(w, "free: %s", bytefmt.ByteSize(uint64(c.gauge().Free())))
}

func (c *Console) factory(w io.Writer) {
	// point the selector at the factory image and schedule the restart
	factory, err := c.Directory.Factory()
	if err != nil {
		reply(w, "ERROR: %s", err.Error())
		return
	}
	err = c.Directory.SetBootTarget(factory)
	if err != nil {
		reply(w, "ERROR: %s", err.Error())
		return
	}
	c.Scheduler.Arm(rebootDelay, nil)

	reply(w, "booting factory image...")
}

func (c *Console) update(w io.Writer) {
	if c.Updater == nil {
		reply(w, "ERROR: updater not configured")
		return
	}

	reply(w, "checking for updates...")
	err := c.Updater.Run()
	if err != nil {
		reply(w, "ERROR: %s", err.Error())
		return
	}

	reply(w, "update check complete")
}

func (c *Console) clearFailed(w io.Writer) {
	if c.Ledger == nil {
		reply(w, "ERROR: ledger not configured")
		return
	}

	err := c.Ledger.ClearFailed()
	if err != nil {
		reply(w, "ERROR: %s", err.Error())
		return
	}

	reply(w, "failure marker cleared")
}

func (c *Console) gauge() update.Gauge {
	if c.Gauge != nil {
		return c.Gauge
	}

	return update.SystemGauge{}
}

func reply(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\r\n", args...)
}
