package update

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lumatrix/lumatrix/pkg/display"
	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// RebootDelay is the delay between a successful commit and the scheduled
// restart. The short delay gives the transport time to flush its
// response before the device goes down.
const RebootDelay = time.Second

// DefaultDeadline is the default time without a chunk after which an
// in-flight session is expired.
const DefaultDeadline = 90 * time.Second

// streamChunkSize is the chunk size used when feeding a reader.
const streamChunkSize = 16 * 1024

// ErrBusy is returned if a new session is started while one is still in
// flight.
var ErrBusy = errors.New("update already in progress")

// ErrNoSession is returned if a chunk arrives without a session.
var ErrNoSession = errors.New("no update in progress")

// ErrStalled is returned by an expired session that stopped receiving
// chunks before completion.
var ErrStalled = errors.New("update stalled")

// Event describes the externally visible engine state.
type Event struct {
	State    string `json:"state"`
	Mode     string `json:"mode,omitempty"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Armer schedules a device restart.
type Armer interface {
	Arm(delay time.Duration, force *flash.Slot)
}

// Engine owns at most one update session and maps the chunked transport
// callbacks onto it. All methods are safe for concurrent use, chunks of
// one stream must still be delivered sequentially.
type Engine struct {
	// Directory is the partition directory updates are written to.
	Directory flash.Directory

	// Scheduler is armed after a successful commit.
	Scheduler Armer

	// Display is handed to sessions for quiescing and progress.
	Display display.Display

	// Gauge samples free memory, defaults to the system gauge.
	Gauge Gauge

	// Floor overrides the default memory floor.
	Floor int64

	// Deadline expires a session when no chunk arrives within it, zero
	// selects the default. Set negative to disable the guard.
	Deadline time.Duration

	// Now returns the current time, defaults to time.Now.
	Now func() time.Time

	// Out receives log messages.
	Out io.Writer

	mutex    sync.Mutex
	label    string
	session  *Session
	received int64
	last     time.Time
	subs     []func(Event)
}

// HandleChunk will feed one transport chunk into the engine. The chunk
// at offset zero starts a new session and must carry the declared total
// stream length, zero if the transport does not know it. A session that
// is still in flight rejects a second offset zero chunk.
func (e *Engine) HandleChunk(offset int64, data []byte, final bool, total int64) error {
	// acquire mutex
	e.mutex.Lock()
	defer e.mutex.Unlock()

	// start a new session on the first chunk
	if offset == 0 {
		// reject a second stream while one is in flight or committed
		if e.session != nil && e.session.Status() != StatusFailed {
			return ErrBusy
		}

		// prepare session
		e.session = NewSession(Config{
			Directory: e.Directory,
			Total:     total,
			Label:     e.labelOrDefault(),
			Gauge:     e.gaugeOrDefault(),
			Floor:     e.Floor,
			Display:   e.Display,
			Progress: func(int) {
				e.publish(e.event())
			},
			Out: e.Out,
		})
		e.received = 0
	} else {
		// a follow-up chunk needs a running session
		if e.session == nil || e.session.Status() != StatusInProgress {
			return ErrNoSession
		}

		// the transport must deliver a gapless stream
		if offset != e.received {
			err := fmt.Errorf("unexpected chunk offset %d, expected %d", offset, e.received)
			e.session.Cancel(err)
			e.publish(e.event())
			return err
		}
	}

	// feed chunk
	err := e.session.Feed(data, final)
	e.received += int64(len(data))
	e.last = e.now()

	// publish terminal outcomes
	if e.session.Status() != StatusInProgress {
		e.publish(e.event())
	}

	// arm the scheduler once committed
	if err == nil && e.session.Status() == StatusCommitted && e.Scheduler != nil {
		e.Scheduler.Arm(RebootDelay, nil)
	}

	return err
}

// Stream will feed an entire reader through the engine as one session.
// For raw firmware streams the total length must be known up front.
func (e *Engine) Stream(r io.Reader, total int64) error {
	buf := make([]byte, streamChunkSize)
	var offset int64
	for {
		// read chunk
		n, err := r.Read(buf)
		final := err == io.EOF
		if err != nil && err != io.EOF {
			err = fmt.Errorf("update stream failed: %w", err)
			e.Cancel(err)
			return err
		}

		// feed chunk
		if n > 0 || final {
			err = e.HandleChunk(offset, buf[:n], final, total)
			if err != nil {
				return err
			}
			offset += int64(n)
		}

		// done
		if final {
			return nil
		}
	}
}

// Tick will expire a stalled session. It is meant to be called
// periodically from the cooperative main loop.
func (e *Engine) Tick() {
	// acquire mutex
	e.mutex.Lock()
	defer e.mutex.Unlock()

	// determine deadline
	deadline := e.Deadline
	if deadline == 0 {
		deadline = DefaultDeadline
	} else if deadline < 0 {
		return
	}

	// check session
	if e.session == nil || e.session.Status() != StatusInProgress {
		return
	}

	// check deadline
	if e.now().Sub(e.last) < deadline {
		return
	}

	// expire session
	utils.Log(e.Out, "update: expiring stalled session")
	e.session.Cancel(ErrStalled)
	e.publish(e.event())
}

// Cancel will fail any in-flight session with the provided error.
func (e *Engine) Cancel(err error) {
	// acquire mutex
	e.mutex.Lock()
	defer e.mutex.Unlock()

	// cancel session
	if e.session != nil && e.session.Status() == StatusInProgress {
		e.session.Cancel(err)
		e.publish(e.event())
	}
}

// Status will return the externally visible engine state.
func (e *Engine) Status() Event {
	// acquire mutex
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.event()
}

// Notify will register a callback that receives engine events. Callbacks
// run on the transport goroutine and must neither block nor call back
// into the engine.
func (e *Engine) Notify(cb func(Event)) {
	// acquire mutex
	e.mutex.Lock()
	defer e.mutex.Unlock()

	// add callback
	e.subs = append(e.subs, cb)
}

// SetLabel will set the version label shown for subsequent sessions.
func (e *Engine) SetLabel(label string) {
	// acquire mutex
	e.mutex.Lock()
	defer e.mutex.Unlock()

	// set label
	e.label = label
}

func (e *Engine) event() Event {
	// no session yet
	if e.session == nil {
		return Event{State: "idle"}
	}

	// build event
	ev := Event{
		State:    e.session.Status().String(),
		Mode:     e.session.Mode().String(),
		Progress: e.session.Progress(),
	}
	if err := e.session.Err(); err != nil {
		ev.Error = err.Error()
	}

	return ev
}

func (e *Engine) publish(ev Event) {
	for _, cb := range e.subs {
		cb(ev)
	}
}

func (e *Engine) labelOrDefault() string {
	if e.label != "" {
		return e.label
	}

	return "firmware"
}

func (e *Engine) gaugeOrDefault() Gauge {
	if e.Gauge != nil {
		return e.Gauge
	}

	return SystemGauge{}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}

	return time.Now()
}
