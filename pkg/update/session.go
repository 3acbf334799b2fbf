// Package update implements the firmware update engine. A chunk-driven
// session classifies an incoming stream as a raw firmware image or a
// dual-image bundle, writes it to inactive flash slots and points the
// boot selector at the new image only after full verification.
package update

import (
	"errors"
	"io"

	"code.cloudfoundry.org/bytefmt"

	"github.com/lumatrix/lumatrix/pkg/bundle"
	"github.com/lumatrix/lumatrix/pkg/display"
	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// MemoryFloor is the default amount of free memory below which an
// in-flight session is aborted.
const MemoryFloor = 50000

// bootSetRetries is the number of additional set attempts after a boot
// selector write fails its read-back verification.
const bootSetRetries = 1

// ErrNoLength is returned if a raw firmware stream does not declare its
// total length up front.
var ErrNoLength = errors.New("missing content length")

// ErrIncomplete is returned if a stream ends before the header probe
// window has been filled.
var ErrIncomplete = errors.New("incomplete OTA upload")

// ErrBundleIncomplete is returned if the byte accounting of a bundle
// stream does not match the sizes declared in its header.
var ErrBundleIncomplete = errors.New("OTA bundle incomplete")

// ErrLowMemory is returned if free memory falls below the floor while an
// upload is in flight.
var ErrLowMemory = errors.New("heap too low during upload")

// ErrBootSet is returned if the boot selector could not be verified
// after the allowed number of retries.
var ErrBootSet = errors.New("failed to set boot partition")

// ErrClosed is returned if a chunk is fed to a terminated session.
var ErrClosed = errors.New("update session closed")

// Status is the lifecycle state of a session.
type Status int

// The available session statuses.
const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusFailed
)

// String implements the fmt.Stringer interface.
func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "updating"
	case StatusCommitted:
		return "committed"
	case StatusFailed:
		return "failed"
	}

	return "unknown"
}

// Mode is the detected layout of the update stream.
type Mode int

// The available stream modes.
const (
	ModeUndetermined Mode = iota
	ModeFirmware
	ModeBundle
)

// String implements the fmt.Stringer interface.
func (m Mode) String() string {
	switch m {
	case ModeFirmware:
		return "firmware"
	case ModeBundle:
		return "bundle"
	}

	return "undetermined"
}

// Config configures an update session.
type Config struct {
	// Directory is the partition directory images are written to.
	Directory flash.Directory

	// Total is the declared length of the stream, zero if unknown. Raw
	// firmware streams require it to size the target up front.
	Total int64

	// Label is the version label shown while updating.
	Label string

	// Gauge samples free memory at coarse progress steps. A nil gauge
	// disables the low-memory guard.
	Gauge Gauge

	// Floor overrides the default memory floor.
	Floor int64

	// Display is locked for the lifetime of the session and receives
	// progress. A failed session unlocks it, a committed session leaves
	// it locked until the reboot clears the panel.
	Display display.Display

	// Progress is called with the overall percentage when a new coarse
	// step is reached.
	Progress func(percent int)

	// Out receives log messages.
	Out io.Writer
}

// Session drives one upload attempt from classification to a terminal
// outcome. It is not safe for concurrent use, the engine serializes all
// access to it.
type Session struct {
	dir      flash.Directory
	total    int64
	label    string
	gauge    Gauge
	floor    int64
	disp     display.Display
	progress func(int)
	out      io.Writer

	mode   Mode
	status Status
	err    error

	header []byte
	writer flash.Writer
	target flash.Slot

	appSize    int64
	fsSize     int64
	appWritten int64
	fsWritten  int64
	fsOpen     bool
	fsDone     bool

	lastBucket int

	bootTouched bool
	bootPrev    flash.Slot
	bootPrevOK  bool
}

// NewSession will create a new session for one upload attempt and quiesce
// the display until the session terminates.
func NewSession(cfg Config) *Session {
	// ensure display
	if cfg.Display == nil {
		cfg.Display = display.NullDisplay{}
	}

	// ensure floor
	if cfg.Floor <= 0 {
		cfg.Floor = MemoryFloor
	}

	// quiesce display
	cfg.Display.Lock()

	return &Session{
		dir:        cfg.Directory,
		total:      cfg.Total,
		label:      cfg.Label,
		gauge:      cfg.Gauge,
		floor:      cfg.Floor,
		disp:       cfg.Display,
		progress:   cfg.Progress,
		out:        cfg.Out,
		header:     make([]byte, 0, bundle.HeaderSize),
		lastBucket: -1,
	}
}

// Feed will process one chunk of the stream. Chunks must arrive in order
// and the last one must carry the final flag. The returned error is the
// terminal session error, lower-level flash errors pass through verbatim.
func (s *Session) Feed(data []byte, final bool) error {
	// check status
	if s.status != StatusInProgress {
		return ErrClosed
	}

	// top up the header probe window until the stream is classified
	if s.mode == ModeUndetermined {
		n := bundle.HeaderSize - len(s.header)
		if n > len(data) {
			n = len(data)
		}
		s.header = append(s.header, data[:n]...)
		data = data[n:]

		// wait for more bytes
		if len(s.header) < bundle.HeaderSize {
			if final {
				return s.fail(ErrIncomplete)
			}
			return nil
		}

		// classify stream and open the first target
		err := s.classify()
		if err != nil {
			return s.fail(err)
		}
	}

	// write payload
	var err error
	if s.mode == ModeFirmware {
		err = s.writeFirmware(data)
	} else {
		err = s.writeBundle(data)
	}
	if err != nil {
		return s.fail(err)
	}

	// sample memory and publish progress once per coarse step
	err = s.checkPressure()
	if err != nil {
		return s.fail(err)
	}

	// run the end of stream verification
	if final {
		err = s.finish()
		if err != nil {
			return s.fail(err)
		}
	}

	return nil
}

func (s *Session) classify() error {
	if bundle.IsBundle(s.header) {
		// a bundle declares its section sizes in the header
		appSize, fsSize := bundle.ParseHeader(s.header)
		s.mode = ModeBundle
		s.appSize = int64(appSize)
		s.fsSize = int64(fsSize)
		utils.Logf(s.out, "update: bundle stream (app %s, fs %s)",
			bytefmt.ByteSize(uint64(appSize)), bytefmt.ByteSize(uint64(fsSize)))
	} else {
		// a raw image is sized by the declared stream length
		if s.total <= 0 {
			return ErrNoLength
		}
		s.mode = ModeFirmware
		s.appSize = s.total
		utils.Logf(s.out, "update: firmware stream (%s)", bytefmt.ByteSize(uint64(s.total)))
	}

	// select the inactive app slot
	slot, err := s.dir.NextUpdate()
	if err != nil {
		return err
	}
	s.target = slot

	// open the app target
	w, err := s.dir.Begin(slot, s.appSize)
	if err != nil {
		return err
	}
	s.writer = w
	utils.Logf(s.out, "update: writing app image to slot %s", slot.Label)

	// in firmware mode the probed bytes are payload and lead the image,
	// in bundle mode the header is metadata only
	if s.mode == ModeFirmware {
		_, err = s.writer.Write(s.header)
		if err != nil {
			return err
		}
		s.appWritten += int64(len(s.header))
	} else if s.appSize == 0 {
		err = s.switchToFs()
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) writeFirmware(data []byte) error {
	// append to the app target, oversized writes are rejected there
	if len(data) > 0 {
		_, err := s.writer.Write(data)
		if err != nil {
			return err
		}
		s.appWritten += int64(len(data))
	}

	return nil
}

func (s *Session) writeBundle(data []byte) error {
	for len(data) > 0 {
		// fill the app section first
		if s.appWritten < s.appSize {
			n := s.appSize - s.appWritten
			if n > int64(len(data)) {
				n = int64(len(data))
			}
			_, err := s.writer.Write(data[:n])
			if err != nil {
				return err
			}
			s.appWritten += n
			data = data[n:]

			// cross over to the filesystem section once the app image
			// is complete
			if s.appWritten == s.appSize {
				err = s.switchToFs()
				if err != nil {
					return err
				}
			}

			continue
		}

		// then fill the filesystem section
		if s.fsOpen && s.fsWritten < s.fsSize {
			n := s.fsSize - s.fsWritten
			if n > int64(len(data)) {
				n = int64(len(data))
			}
			_, err := s.writer.Write(data[:n])
			if err != nil {
				return err
			}
			s.fsWritten += n
			data = data[n:]

			// close the filesystem target once the image is complete
			if s.fsWritten == s.fsSize {
				err = s.closeFs()
				if err != nil {
					return err
				}
			}

			continue
		}

		// payload beyond the declared sizes is never clipped
		return ErrBundleIncomplete
	}

	return nil
}

// switchToFs runs the app/fs boundary: it finalizes the app image, makes
// it the boot target and opens the filesystem target. The boot selector
// is moved before the storage write so the filesystem lands next to the
// image that will use it.
func (s *Session) switchToFs() error {
	// close the app image
	err := s.writer.Finalize()
	s.writer = nil
	if err != nil {
		return err
	}

	// point the boot selector at the new app image
	err = s.commitBoot()
	if err != nil {
		return err
	}

	// select the storage slot
	slot, err := s.dir.Filesystem()
	if err != nil {
		return err
	}

	// detach any mounted filesystem until the next boot remounts it
	err = s.dir.Unmount(slot)
	if err != nil {
		return err
	}

	// open the filesystem target
	w, err := s.dir.Begin(slot, s.fsSize)
	if err != nil {
		return err
	}
	s.writer = w
	s.fsOpen = true
	utils.Logf(s.out, "update: app image complete, writing filesystem to slot %s", slot.Label)

	// an empty filesystem section completes immediately
	if s.fsSize == 0 {
		err = s.closeFs()
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) closeFs() error {
	// close the filesystem image
	err := s.writer.Finalize()
	s.writer = nil
	if err != nil {
		return err
	}
	s.fsDone = true

	return nil
}

// commitBoot sets the boot selector to the session target and reads it
// back to confirm the write stuck, retrying the set a limited number of
// times. The pre-session selector is remembered once so a later failure
// can restore it.
func (s *Session) commitBoot() error {
	// remember the pre-session selector
	if !s.bootTouched {
		prev, err := s.dir.BootTarget()
		if err == nil {
			s.bootPrev = prev
			s.bootPrevOK = true
		}
		s.bootTouched = true
	}

	// set and verify
	for attempt := 0; attempt <= bootSetRetries; attempt++ {
		err := s.dir.SetBootTarget(s.target)
		if err != nil {
			continue
		}
		got, err := s.dir.BootTarget()
		if err == nil && got.Label == s.target.Label {
			return nil
		}
	}

	return ErrBootSet
}

func (s *Session) finish() error {
	if s.mode == ModeFirmware {
		// close the image, the flash driver verifies the byte count
		err := s.writer.Finalize()
		s.writer = nil
		if err != nil {
			return err
		}

		// point the boot selector at the new image
		err = s.commitBoot()
		if err != nil {
			return err
		}
	} else {
		// both sections must have arrived in full
		if s.appWritten != s.appSize || !s.fsDone {
			return ErrBundleIncomplete
		}

		// re-check the selector, the storage write may have disturbed it
		got, err := s.dir.BootTarget()
		if err != nil || got.Label != s.target.Label {
			err = s.commitBoot()
			if err != nil {
				return err
			}
		}
	}

	// mark committed
	s.status = StatusCommitted
	s.disp.ShowProgress(s.label, 100)
	if s.progress != nil {
		s.progress(100)
	}
	utils.Logf(s.out, "update: complete (%s written)",
		bytefmt.ByteSize(uint64(s.appWritten+s.fsWritten)))

	return nil
}

// fail aborts any open target, restores the pre-session boot selector if
// it was already moved and resumes the display.
func (s *Session) fail(err error) error {
	// abort open target, the slot is left in a known bad state
	if s.writer != nil {
		s.writer.Abort()
		s.writer = nil
	}

	// restore the boot selector, best effort
	if s.bootTouched && s.bootPrevOK {
		_ = s.dir.SetBootTarget(s.bootPrev)
	}

	// mark failed
	s.status = StatusFailed
	s.err = err

	// resume display
	s.disp.Unlock()
	utils.Logf(s.out, "update: failed: %s", err.Error())

	return err
}

func (s *Session) checkPressure() error {
	// only act when a new coarse step is reached
	pct := s.percent()
	bucket := pct / 10
	if bucket <= s.lastBucket {
		return nil
	}
	s.lastBucket = bucket

	// publish progress
	s.disp.ShowProgress(s.label, pct)
	if s.progress != nil {
		s.progress(pct)
	}

	// sample free memory
	if s.gauge != nil {
		free := s.gauge.Free()
		utils.Logf(s.out, "update: %d%% (%s free)", pct, bytefmt.ByteSize(uint64(free)))
		if free < s.floor {
			return ErrLowMemory
		}
	} else {
		utils.Logf(s.out, "update: %d%%", pct)
	}

	return nil
}

func (s *Session) percent() int {
	// firmware mode carries the full stream in the app section
	total := s.appSize + s.fsSize
	if total <= 0 {
		return 100
	}

	// clamp to 100
	pct := int((s.appWritten + s.fsWritten) * 100 / total)
	if pct > 100 {
		pct = 100
	}

	return pct
}

// Status will return the session status.
func (s *Session) Status() Status {
	return s.status
}

// Mode will return the detected stream mode.
func (s *Session) Mode() Mode {
	return s.mode
}

// Progress will return the overall progress percentage.
func (s *Session) Progress() int {
	if s.mode == ModeUndetermined {
		return 0
	}

	return s.percent()
}

// Err will return the terminal error of a failed session.
func (s *Session) Err() error {
	return s.err
}

// Written will return the number of app and filesystem bytes written.
func (s *Session) Written() (int64, int64) {
	return s.appWritten, s.fsWritten
}

// Target will return the slot selected to receive the app image.
func (s *Session) Target() flash.Slot {
	return s.target
}

// Cancel will fail an in-flight session with the provided error.
func (s *Session) Cancel(err error) {
	if s.status == StatusInProgress {
		_ = s.fail(err)
	}
}
