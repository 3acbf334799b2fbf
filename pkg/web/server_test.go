package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/lumatrix/lumatrix/pkg/config"
	"github.com/lumatrix/lumatrix/pkg/display"
	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/ledger"
	"github.com/lumatrix/lumatrix/pkg/reboot"
	"github.com/lumatrix/lumatrix/pkg/update"
	"github.com/lumatrix/lumatrix/pkg/updater"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newTestServer(dir flash.Directory) *Server {
	scheduler := &reboot.Scheduler{
		Directory: dir,
		Display:   display.NullDisplay{},
		Restarter: reboot.RestarterFunc(func() {}),
		Out:       io.Discard,
	}
	engine := &update.Engine{
		Directory: dir,
		Scheduler: scheduler,
		Gauge:     update.FixedGauge{Bytes: 1 << 20},
		Out:       io.Discard,
	}
	return &Server{
		Engine:     engine,
		Scheduler:  scheduler,
		Directory:  dir,
		DeviceName: "bench",
		Version:    "1.0.0",
		Out:        io.Discard,
	}
}

func TestServerUpload(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)
	payload := pattern(100)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/update", bytes.NewReader(payload))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var res response
	err := json.Unmarshal(rec.Body.Bytes(), &res)
	assert.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "firmware update complete, rebooting...", res.Message)

	slot, err := dir.NextUpdate()
	assert.NoError(t, err)
	assert.Equal(t, payload, dir.Image(slot.Label))
	assert.True(t, srv.Scheduler.Pending())
}

func TestServerUploadNoLength(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	// a plain reader body leaves the content length undeclared
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/update", io.MultiReader(bytes.NewReader(pattern(100))))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var res response
	err := json.Unmarshal(rec.Body.Bytes(), &res)
	assert.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "missing content length", res.Message)
}

func TestServerUploadBusy(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	// occupy the engine with a partial stream
	err := srv.Engine.HandleChunk(0, pattern(32), false, 100)
	assert.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/update", bytes.NewReader(pattern(100)))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var res response
	err = json.Unmarshal(rec.Body.Bytes(), &res)
	assert.NoError(t, err)
	assert.Equal(t, "update already in progress", res.Message)
}

func TestServerStatus(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/update", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var evt update.Event
	err := json.Unmarshal(rec.Body.Bytes(), &evt)
	assert.NoError(t, err)
	assert.Equal(t, "idle", evt.State)
	assert.Equal(t, 0, evt.Progress)
}

func TestServerInfo(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/info", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var in info
	err := json.Unmarshal(rec.Body.Bytes(), &in)
	assert.NoError(t, err)
	assert.Equal(t, "bench", in.DeviceName)
	assert.Equal(t, "1.0.0", in.Version)
	assert.Equal(t, "ota_0", in.Running)
	assert.Equal(t, "ota_0", in.Boot)
	assert.False(t, in.RebootPending)
	assert.Len(t, in.Slots, 4)
	assert.Equal(t, "factory", in.Slots[0].Label)
	assert.Equal(t, "app", in.Slots[0].Kind)
}

func TestServerReboot(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/reboot", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, srv.Scheduler.Pending())
}

func TestServerFactory(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/factory", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "factory", boot.Label)
	assert.True(t, srv.Scheduler.Pending())
}

func TestServerCheck(t *testing.T) {
	manifest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"version":"1.0.0","firmware":{"matrix32":{"url":"http://invalid/firmware.bin"}}}`)
	}))
	defer manifest.Close()

	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)
	store := config.NewStore(t.TempDir())
	srv.Ledger = ledger.New(store, io.Discard)
	srv.Updater = &updater.Updater{
		Engine:      srv.Engine,
		Current:     "1.0.0",
		Board:       "matrix32",
		ManifestURL: manifest.URL,
		Ledger:      srv.Ledger,
		Out:         io.Discard,
	}

	// a stale failure marker should be cleared by a manual check
	err := srv.Ledger.RecordFailed("0.9.0")
	assert.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/update/check", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	failed, err := srv.Ledger.Failed()
	assert.NoError(t, err)
	assert.Equal(t, "", failed)
}

func TestServerCheckUnavailable(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/update/check", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerEvents(t *testing.T) {
	dir := flash.NewMemDirectory()
	srv := newTestServer(dir)

	server := httptest.NewServer(srv.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// connect to feed
	conn, _, err := websocket.Dial(ctx, server.URL+"/api/events", &websocket.DialOptions{
		Subprotocols: []string{"lumatrix"},
	})
	assert.NoError(t, err)
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// the current state is pushed first
	_, data, err := conn.Read(ctx)
	assert.NoError(t, err)
	var evt update.Event
	err = json.Unmarshal(data, &evt)
	assert.NoError(t, err)
	assert.Equal(t, "idle", evt.State)

	// drive an update and await the terminal event
	err = srv.Engine.HandleChunk(0, pattern(100), true, 100)
	assert.NoError(t, err)
	for {
		_, data, err = conn.Read(ctx)
		assert.NoError(t, err)
		err = json.Unmarshal(data, &evt)
		assert.NoError(t, err)
		if evt.State == "committed" {
			break
		}
	}
	assert.Equal(t, 100, evt.Progress)
}
