package mqtt

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/update"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// The global topics used for fleet discovery.
const (
	discoverTopic = "/lumatrix/discover"
	describeTopic = "/lumatrix/describe"
)

// updateChunk is the chunk size requested from the uploading side.
const updateChunk = 16 * 1024

type heartbeat struct {
	DeviceName string `json:"device_name"`
	Version    string `json:"version"`
	UptimeMS   int64  `json:"uptime_ms"`
	FreeMemory int64  `json:"free_memory"`
	Running    string `json:"running"`
	State      string `json:"state"`
}

// Bridge exposes the device on a broker connection. It answers discovery
// requests on the global discover topic, publishes heartbeats and update
// status and accepts chunked firmware uploads below the base topic.
type Bridge struct {
	// Connection is the broker connection.
	Connection Connection

	// Engine receives the chunked uploads.
	Engine *update.Engine

	// Directory reports the running slot in heartbeats.
	Directory flash.Directory

	// Gauge samples free memory for heartbeats.
	Gauge update.Gauge

	// AppName, Version, DeviceName and BaseTopic describe the device.
	AppName    string
	Version    string
	DeviceName string
	BaseTopic  string

	// Out receives log messages.
	Out io.Writer

	started time.Time
	events  chan update.Event
	done    chan struct{}
	total   int64
	offset  int64
	mutex   sync.Mutex
}

// Run will subscribe all handled topics and start relaying engine events
// to the status topic. It must be called before Heartbeat.
func (b *Bridge) Run() error {
	// remember start for uptime reporting
	b.started = time.Now()

	// relay engine events without blocking the engine
	b.events = make(chan update.Event, 16)
	b.done = make(chan struct{})
	b.Engine.Notify(func(evt update.Event) {
		select {
		case b.events <- evt:
		default:
		}
	})
	go b.relay()

	// answer fleet discovery
	err := b.Connection.Subscribe(discoverTopic, b.handleDiscover)
	if err != nil {
		return err
	}

	// accept chunked uploads
	err = b.Connection.Subscribe(b.topic("update/begin"), b.handleBegin)
	if err != nil {
		return err
	}
	err = b.Connection.Subscribe(b.topic("update/write"), b.handleWrite)
	if err != nil {
		return err
	}
	err = b.Connection.Subscribe(b.topic("update/finish"), b.handleFinish)
	if err != nil {
		return err
	}

	return nil
}

// Close will stop the event relay.
func (b *Bridge) Close() {
	close(b.done)
}

// Heartbeat will publish the current device state. The caller is
// expected to invoke it periodically.
func (b *Bridge) Heartbeat() error {
	// look up running slot
	running, err := b.Directory.Running()
	if err != nil {
		return err
	}

	// encode heartbeat
	data, err := json.Marshal(heartbeat{
		DeviceName: b.DeviceName,
		Version:    b.Version,
		UptimeMS:   time.Since(b.started).Milliseconds(),
		FreeMemory: b.gauge().Free(),
		Running:    running.Label,
		State:      b.Engine.Status().State,
	})
	if err != nil {
		return err
	}

	// publish heartbeat
	return b.Connection.Publish(b.topic("heartbeat"), data)
}

func (b *Bridge) handleDiscover([]byte) {
	// publish description
	desc := strings.Join([]string{"0", b.AppName, b.Version, b.DeviceName, b.BaseTopic}, "|")
	err := b.Connection.Publish(describeTopic, []byte(desc))
	if err != nil {
		utils.Logf(b.Out, "mqtt: describe publish failed: %s", err.Error())
	}
}

func (b *Bridge) handleBegin(payload []byte) {
	// parse declared size
	total, err := strconv.ParseInt(strings.TrimSpace(string(payload)), 10, 64)
	if err != nil || total <= 0 {
		utils.Logf(b.Out, "mqtt: invalid update size %q", string(payload))
		return
	}

	// reset stream position
	b.mutex.Lock()
	b.total = total
	b.offset = 0
	b.mutex.Unlock()

	utils.Logf(b.Out, "mqtt: update of %s announced", bytefmt.ByteSize(uint64(total)))

	// request the first chunk
	b.request()
}

func (b *Bridge) handleWrite(payload []byte) {
	// snapshot stream position
	b.mutex.Lock()
	offset := b.offset
	total := b.total
	b.mutex.Unlock()

	// feed chunk
	err := b.Engine.HandleChunk(offset, payload, false, total)
	if err != nil {
		utils.Logf(b.Out, "mqtt: update write failed: %s", err.Error())
		return
	}

	// advance stream position
	b.mutex.Lock()
	b.offset = offset + int64(len(payload))
	b.mutex.Unlock()

	// request the next chunk
	b.request()
}

func (b *Bridge) handleFinish([]byte) {
	// snapshot stream position
	b.mutex.Lock()
	offset := b.offset
	total := b.total
	b.mutex.Unlock()

	// close the stream
	err := b.Engine.HandleChunk(offset, nil, true, total)
	if err != nil {
		utils.Logf(b.Out, "mqtt: update finish failed: %s", err.Error())
		return
	}

	utils.Log(b.Out, "mqtt: update applied")
}

func (b *Bridge) relay() {
	for {
		select {
		case evt := <-b.events:
			// encode event
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}

			// publish status
			err = b.Connection.Publish(b.topic("update/status"), data)
			if err != nil {
				utils.Logf(b.Out, "mqtt: status publish failed: %s", err.Error())
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) request() {
	// ask for the next chunk
	err := b.Connection.Publish(b.topic("update/request"), []byte(strconv.Itoa(updateChunk)))
	if err != nil {
		utils.Logf(b.Out, "mqtt: request publish failed: %s", err.Error())
	}
}

func (b *Bridge) topic(name string) string {
	return b.BaseTopic + "/lumatrix/" + name
}

func (b *Bridge) gauge() update.Gauge {
	if b.Gauge != nil {
		return b.Gauge
	}

	return update.SystemGauge{}
}
