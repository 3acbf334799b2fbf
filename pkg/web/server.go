// Package web implements the HTTP API of the device: streaming firmware
// uploads, status and info endpoints, reboot and factory actions and a
// websocket event feed.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/ledger"
	"github.com/lumatrix/lumatrix/pkg/reboot"
	"github.com/lumatrix/lumatrix/pkg/update"
	"github.com/lumatrix/lumatrix/pkg/updater"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// rebootDelay is the delay used for user initiated reboot actions.
const rebootDelay = 500 * time.Millisecond

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type slotInfo struct {
	Label string `json:"label"`
	Kind  string `json:"kind"`
	Size  int64  `json:"size"`
}

type info struct {
	DeviceName    string     `json:"device_name"`
	Version       string     `json:"version"`
	Running       string     `json:"running"`
	Boot          string     `json:"boot"`
	RebootPending bool       `json:"reboot_pending"`
	Slots         []slotInfo `json:"slots"`
}

// Server exposes the device API over HTTP.
type Server struct {
	// Engine handles firmware uploads.
	Engine *update.Engine

	// Scheduler arms user initiated reboots.
	Scheduler *reboot.Scheduler

	// Directory provides slot and boot selector information.
	Directory flash.Directory

	// Updater runs manual update checks, optional.
	Updater *updater.Updater

	// Ledger is cleared by manual update checks, optional.
	Ledger *ledger.Ledger

	// DeviceName and Version are reported by the info endpoint.
	DeviceName string
	Version    string

	// Out receives log messages.
	Out io.Writer

	hub *hub
}

// Handler will return the HTTP handler of the server and connect the
// event feed to the engine.
func (s *Server) Handler() http.Handler {
	// connect event feed once
	if s.hub == nil {
		s.hub = newHub()
		s.Engine.Notify(s.hub.publish)
	}

	// assemble routes; method based patterns require Go 1.22, so the
	// method is dispatched manually with equivalent semantics
	mux := http.NewServeMux()
	mux.HandleFunc("/api/update", byMethod(map[string]http.HandlerFunc{
		http.MethodPost: s.handleUpload,
		http.MethodGet:  s.handleStatus,
	}))
	mux.HandleFunc("/api/update/check", byMethod(map[string]http.HandlerFunc{
		http.MethodPost: s.handleCheck,
	}))
	mux.HandleFunc("/api/reboot", byMethod(map[string]http.HandlerFunc{
		http.MethodPost: s.handleReboot,
	}))
	mux.HandleFunc("/api/factory", byMethod(map[string]http.HandlerFunc{
		http.MethodPost: s.handleFactory,
	}))
	mux.HandleFunc("/api/info", byMethod(map[string]http.HandlerFunc{
		http.MethodGet: s.handleInfo,
	}))
	mux.HandleFunc("/api/events", byMethod(map[string]http.HandlerFunc{
		http.MethodGet: s.handleEvents,
	}))

	return mux
}

// Listen will run the server on the provided address. It blocks until
// the listener fails.
func (s *Server) Listen(addr string) error {
	utils.Logf(s.Out, "web: listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// chunked requests have no declared length
	total := r.ContentLength
	if total < 0 {
		total = 0
	}

	// stream the body through the engine
	err := s.Engine.Stream(r.Body, total)
	if errors.Is(err, update.ErrBusy) {
		writeJSON(w, http.StatusConflict, response{Message: err.Error()})
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "firmware update complete, rebooting...",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	// a manual check means the user wants a failed version retried
	if s.Ledger != nil {
		err := s.Ledger.ClearFailed()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
			return
		}
	}

	// run check
	if s.Updater == nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Message: "updater not configured"})
		return
	}
	err := s.Updater.Run()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "update check complete",
	})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	utils.Log(s.Out, "web: reboot requested")
	s.Scheduler.Arm(rebootDelay, nil)

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "rebooting...",
	})
}

func (s *Server) handleFactory(w http.ResponseWriter, r *http.Request) {
	// the factory selector is set right away so the action fails loudly
	// while the response can still report it
	factory, err := s.Directory.Factory()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}
	err = s.Directory.SetBootTarget(factory)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}

	utils.Log(s.Out, "web: factory boot requested")
	s.Scheduler.Arm(rebootDelay, nil)

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "booting factory image...",
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	// gather slot information
	running, err := s.Directory.Running()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}
	boot, err := s.Directory.BootTarget()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}
	slots, err := s.Directory.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, info{
		DeviceName:    s.DeviceName,
		Version:       s.Version,
		Running:       running.Label,
		Boot:          boot.Label,
		RebootPending: s.Scheduler != nil && s.Scheduler.Pending(),
		Slots: lo.Map(slots, func(slot flash.Slot, _ int) slotInfo {
			return slotInfo{
				Label: slot.Label,
				Kind:  slot.Kind.String(),
				Size:  slot.Size,
			}
		}),
	})
}

// byMethod dispatches requests by method like the method based mux
// patterns of Go 1.22: GET handlers also serve HEAD requests and other
// methods receive a 405 response with an Allow header.
func byMethod(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// select handler
		h, ok := handlers[r.Method]
		if !ok && r.Method == http.MethodHead {
			h, ok = handlers[http.MethodGet]
		}
		if ok {
			h(w, r)
			return
		}

		// reject other methods
		methods := make([]string, 0, len(handlers)+1)
		for method := range handlers {
			methods = append(methods, method)
		}
		if _, ok := handlers[http.MethodGet]; ok {
			methods = append(methods, http.MethodHead)
		}
		sort.Strings(methods)
		w.Header().Set("Allow", strings.Join(methods, ", "))
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
