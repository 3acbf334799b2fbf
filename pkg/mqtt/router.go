// Package mqtt connects the daemon to an MQTT broker. It answers fleet
// discovery requests, publishes heartbeats and accepts chunked firmware
// uploads over topics.
package mqtt

import (
	"io"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"

	"github.com/lumatrix/lumatrix/pkg/utils"
)

// futureTimeout bounds broker acknowledgements.
const futureTimeout = 5 * time.Second

// Connection is the broker connection used by the bridge.
type Connection interface {
	Subscribe(topic string, fn func(payload []byte)) error
	Publish(topic string, payload []byte) error
}

// Router is a thin MQTT client that dispatches received messages to per
// topic handlers.
type Router struct {
	client   *client.Client
	qos      packet.QOS
	out      io.Writer
	handlers map[string]func([]byte)
	mutex    sync.Mutex
}

// Connect will connect a new Router to the given MQTT broker URL using
// the provided client ID and QOS level.
func Connect(url, cid string, qos packet.QOS, out io.Writer) (*Router, error) {
	// create client
	c := client.New()

	// connect to the broker using the provided url
	cf, err := c.Connect(client.NewConfigWithClientID(url, cid))
	if err != nil {
		return nil, err
	}
	err = cf.Wait(futureTimeout)
	if err != nil {
		return nil, err
	}

	// create router
	r := &Router{
		client:   c,
		qos:      qos,
		out:      out,
		handlers: make(map[string]func([]byte)),
	}

	// set handler
	c.Callback = func(msg *packet.Message, err error) error {
		// handle errors
		if err != nil {
			utils.Logf(r.out, "mqtt: client error: %s", err.Error())
			return err
		}

		// look up handler
		r.mutex.Lock()
		fn := r.handlers[msg.Topic]
		r.mutex.Unlock()

		// dispatch message
		if fn != nil {
			fn(msg.Payload)
		}

		return nil
	}

	return r, nil
}

// Subscribe will subscribe to the given topic and register the provided
// handler. A later handler for the same topic replaces the earlier one.
func (r *Router) Subscribe(topic string, fn func([]byte)) error {
	// register handler
	r.mutex.Lock()
	r.handlers[topic] = fn
	r.mutex.Unlock()

	// subscribe topic
	sf, err := r.client.Subscribe(topic, r.qos)
	if err != nil {
		return err
	}
	err = sf.Wait(futureTimeout)
	if err != nil {
		return err
	}

	return nil
}

// Publish will publish the given payload to the specified topic.
func (r *Router) Publish(topic string, payload []byte) error {
	// publish message
	pf, err := r.client.Publish(topic, payload, r.qos, false)
	if err != nil {
		return err
	}
	err = pf.Wait(futureTimeout)
	if err != nil {
		return err
	}

	return nil
}

// Close will disconnect the underlying client.
func (r *Router) Close() error {
	// disconnect client
	err := r.client.Disconnect()
	if err != nil {
		return err
	}

	return nil
}
