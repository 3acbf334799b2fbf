package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/lumatrix/lumatrix/pkg/update"
)

type hub struct {
	subs  map[chan update.Event]struct{}
	mutex sync.Mutex
}

func newHub() *hub {
	return &hub{
		subs: make(map[chan update.Event]struct{}),
	}
}

func (h *hub) subscribe() chan update.Event {
	// acquire mutex
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// add subscription
	ch := make(chan update.Event, 16)
	h.subs[ch] = struct{}{}

	return ch
}

func (h *hub) unsubscribe(ch chan update.Event) {
	// acquire mutex
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// remove subscription
	delete(h.subs, ch)
}

func (h *hub) publish(evt update.Event) {
	// acquire mutex
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// yield event
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// accept connection
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"lumatrix"},
	})
	if err != nil {
		return
	}

	// ensure connection gets closed
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// the feed is write only, so reading just tracks disconnects
	ctx := conn.CloseRead(r.Context())

	// subscribe to events
	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// send current state right away
	err = writeEvent(ctx, conn, s.Engine.Status())
	if err != nil {
		return
	}

	// forward events
	for {
		select {
		case evt := <-ch:
			err = writeEvent(ctx, conn, evt)
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt update.Event) error {
	// encode event
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	// write message
	err = conn.Write(ctx, websocket.MessageText, data)
	if err != nil {
		return err
	}

	return nil
}
