package update

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lumatrix/lumatrix/pkg/bundle"
	"github.com/lumatrix/lumatrix/pkg/flash"
)

type recDisplay struct {
	locks    int
	unlocks  int
	cleared  int
	progress []int
	labels   []string
}

func (d *recDisplay) Clear() error {
	d.cleared++
	return nil
}

func (d *recDisplay) ShowProgress(label string, pct int) {
	d.labels = append(d.labels, label)
	d.progress = append(d.progress, pct)
}

func (d *recDisplay) Lock() {
	d.locks++
}

func (d *recDisplay) Unlock() {
	d.unlocks++
}

type noSlotDir struct {
	*flash.MemDirectory
}

func (d *noSlotDir) NextUpdate() (flash.Slot, error) {
	return flash.Slot{}, flash.ErrNoSlot
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func newTestSession(dir flash.Directory, total int64) *Session {
	return NewSession(Config{
		Directory: dir,
		Total:     total,
		Label:     "1.0.0",
		Gauge:     FixedGauge{Bytes: 1 << 20},
	})
}

func TestRawFirmwareSingleChunk(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 100)

	payload := pattern(100)
	err := s.Feed(payload, true)
	assert.NoError(t, err)
	assert.Equal(t, StatusCommitted, s.Status())
	assert.Equal(t, ModeFirmware, s.Mode())

	app, fs := s.Written()
	assert.Equal(t, int64(100), app)
	assert.Equal(t, int64(0), fs)

	// the probed bytes lead the image
	assert.Equal(t, payload, dir.Image("ota_1"))
	assert.True(t, dir.Committed("ota_1"))

	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "ota_1", boot.Label)
}

func TestRawFirmwareChunkedHeaderProbe(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 20)

	// the first chunk is smaller than the probe window
	payload := pattern(20)
	err := s.Feed(payload[:10], false)
	assert.NoError(t, err)
	assert.Equal(t, ModeUndetermined, s.Mode())

	err = s.Feed(payload[10:], true)
	assert.NoError(t, err)
	assert.Equal(t, StatusCommitted, s.Status())

	// every byte arrives in order, including the probed ones
	assert.Equal(t, payload, dir.Image("ota_1"))
}

func TestBundleSplitAcrossBoundary(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 0)

	appData := []byte("aaaaaaaaaa")
	fsData := []byte("ffffffffff")
	header := bundle.EncodeHeader(10, 10)

	// header plus four app bytes
	err := s.Feed(append(append([]byte{}, header...), appData[:4]...), false)
	assert.NoError(t, err)
	assert.Equal(t, ModeBundle, s.Mode())
	assert.False(t, dir.Committed("ota_1"))

	// six app bytes plus six filesystem bytes crossing the boundary
	err = s.Feed(append(append([]byte{}, appData[4:]...), fsData[:6]...), false)
	assert.NoError(t, err)
	assert.Equal(t, StatusInProgress, s.Status())

	// the app image is finalized at exactly its declared size and is
	// already the boot target before storage bytes land
	assert.True(t, dir.Committed("ota_1"))
	assert.Equal(t, appData, dir.Image("ota_1"))
	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "ota_1", boot.Label)

	// remaining filesystem bytes
	err = s.Feed(fsData[6:], true)
	assert.NoError(t, err)
	assert.Equal(t, StatusCommitted, s.Status())

	app, fs := s.Written()
	assert.Equal(t, int64(10), app)
	assert.Equal(t, int64(10), fs)
	assert.Equal(t, fsData, dir.Image("storage"))
	assert.True(t, dir.Unmounted("storage"))
}

func TestBundleSingleChunk(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 0)

	payload := append(bundle.EncodeHeader(4, 4), []byte("appsfsfs")...)
	err := s.Feed(payload, true)
	assert.NoError(t, err)
	assert.Equal(t, StatusCommitted, s.Status())
	assert.Equal(t, []byte("apps"), dir.Image("ota_1"))
	assert.Equal(t, []byte("fsfs"), dir.Image("storage"))
}

func TestBundleTruncated(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 0)

	payload := append(bundle.EncodeHeader(10, 10), pattern(15)...)
	err := s.Feed(payload, true)
	assert.Equal(t, ErrBundleIncomplete, err)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, ErrBundleIncomplete, s.Err())

	// the boot selector is back at its pre-session value even though it
	// was moved at the app/fs boundary
	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "ota_0", boot.Label)
}

func TestBundleExtraPayload(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 0)

	payload := append(bundle.EncodeHeader(4, 4), []byte("appsfsfsXX")...)
	err := s.Feed(payload, true)
	assert.Equal(t, ErrBundleIncomplete, err)
	assert.Equal(t, StatusFailed, s.Status())

	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "ota_0", boot.Label)
}

func TestBundleEmptyFilesystemSection(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 0)

	payload := append(bundle.EncodeHeader(8, 0), []byte("appimage")...)
	err := s.Feed(payload, true)
	assert.NoError(t, err)
	assert.Equal(t, StatusCommitted, s.Status())
	assert.Equal(t, []byte("appimage"), dir.Image("ota_1"))
	assert.True(t, dir.Committed("storage"))
	assert.Len(t, dir.Image("storage"), 0)
}

func TestShortHeader(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 8)

	err := s.Feed(pattern(8), true)
	assert.Equal(t, ErrIncomplete, err)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, ModeUndetermined, s.Mode())

	// no partition was touched
	assert.Equal(t, 0, dir.BootSets())
	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "ota_0", boot.Label)
}

func TestMissingContentLength(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 0)

	err := s.Feed(pattern(20), false)
	assert.Equal(t, ErrNoLength, err)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, 0, dir.BootSets())
}

func TestBootSetVerifyFails(t *testing.T) {
	dir := flash.NewMemDirectory()
	dir.BootGlitches = 2
	s := newTestSession(dir, 100)

	err := s.Feed(pattern(100), true)
	assert.Equal(t, ErrBootSet, err)
	assert.Equal(t, StatusFailed, s.Status())

	// the set and its single retry were both glitched away
	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "ota_0", boot.Label)
}

func TestBootSetRetriesOnce(t *testing.T) {
	dir := flash.NewMemDirectory()
	dir.BootGlitches = 1
	s := newTestSession(dir, 100)

	// a single glitch is absorbed by the retry
	err := s.Feed(pattern(100), true)
	assert.NoError(t, err)
	assert.Equal(t, StatusCommitted, s.Status())

	boot, err := dir.BootTarget()
	assert.NoError(t, err)
	assert.Equal(t, "ota_1", boot.Label)
}

func TestNoSelfOverwrite(t *testing.T) {
	dir := flash.NewMemDirectory()
	dir.SetRunning("ota_1")
	s := newTestSession(dir, 100)

	err := s.Feed(pattern(100), true)
	assert.NoError(t, err)
	assert.Equal(t, "ota_0", s.Target().Label)

	running, err := dir.Running()
	assert.NoError(t, err)
	assert.NotEqual(t, running.Label, s.Target().Label)
}

func TestNoSlotAvailable(t *testing.T) {
	dir := &noSlotDir{flash.NewMemDirectory()}
	s := newTestSession(dir, 100)

	err := s.Feed(pattern(20), false)
	assert.Equal(t, flash.ErrNoSlot, err)
	assert.Equal(t, "no OTA partition available", err.Error())
	assert.Equal(t, StatusFailed, s.Status())
}

func TestBeginErrorPassthrough(t *testing.T) {
	dir := flash.NewMemDirectory()
	dir.BeginErr = errors.New("flash driver busy")
	s := newTestSession(dir, 100)

	err := s.Feed(pattern(20), false)
	assert.EqualError(t, err, "flash driver busy")
	assert.Equal(t, StatusFailed, s.Status())
}

func TestWriteErrorPassthrough(t *testing.T) {
	dir := flash.NewMemDirectory()
	dir.WriteErr = errors.New("flash write failed")
	dir.WriteErrAfter = 32
	s := newTestSession(dir, 100)

	err := s.Feed(pattern(100), true)
	assert.EqualError(t, err, "flash write failed")
	assert.Equal(t, StatusFailed, s.Status())
	assert.False(t, dir.Committed("ota_1"))
	assert.Equal(t, 0, dir.BootSets())
}

func TestRawOverflowRejected(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 50)

	err := s.Feed(pattern(60), true)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "write exceeds declared image size")
	assert.Equal(t, StatusFailed, s.Status())
	assert.False(t, dir.Committed("ota_1"))
}

func TestLowMemoryAbort(t *testing.T) {
	dir := flash.NewMemDirectory()
	samples := 0
	s := NewSession(Config{
		Directory: dir,
		Total:     1000,
		Gauge: GaugeFunc(func() int64 {
			samples++
			if samples >= 2 {
				return 40000
			}
			return 100000
		}),
	})

	payload := pattern(1000)

	// first coarse step samples a healthy heap
	err := s.Feed(payload[:100], false)
	assert.NoError(t, err)
	assert.Equal(t, 1, samples)

	// second coarse step trips the floor
	err = s.Feed(payload[100:200], false)
	assert.Equal(t, ErrLowMemory, err)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, 2, samples)
	assert.False(t, dir.Committed("ota_1"))
	assert.Equal(t, 0, dir.BootSets())
}

func TestPressureSampledOncePerBucket(t *testing.T) {
	dir := flash.NewMemDirectory()
	samples := 0
	s := NewSession(Config{
		Directory: dir,
		Total:     1000,
		Gauge: GaugeFunc(func() int64 {
			samples++
			return 100000
		}),
	})

	// many chunks inside the same coarse step sample only once
	payload := pattern(1000)
	for i := 0; i < 90; i += 10 {
		err := s.Feed(payload[i:i+10], false)
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, samples)

	// crossing into the next step samples again
	err := s.Feed(payload[90:100], false)
	assert.NoError(t, err)
	assert.Equal(t, 2, samples)
}

func TestDisplayLifecycleOnFailure(t *testing.T) {
	dir := flash.NewMemDirectory()
	disp := &recDisplay{}
	s := NewSession(Config{
		Directory: dir,
		Total:     8,
		Display:   disp,
	})
	assert.Equal(t, 1, disp.locks)

	err := s.Feed(pattern(8), true)
	assert.Equal(t, ErrIncomplete, err)
	assert.Equal(t, 1, disp.unlocks)
}

func TestDisplayLifecycleOnCommit(t *testing.T) {
	dir := flash.NewMemDirectory()
	disp := &recDisplay{}
	s := NewSession(Config{
		Directory: dir,
		Total:     100,
		Label:     "2.1.0",
		Display:   disp,
	})

	err := s.Feed(pattern(100), true)
	assert.NoError(t, err)

	// the display stays quiesced until the reboot clears it
	assert.Equal(t, 1, disp.locks)
	assert.Equal(t, 0, disp.unlocks)
	assert.Equal(t, 100, disp.progress[len(disp.progress)-1])
	assert.Equal(t, "2.1.0", disp.labels[0])
}

func TestFeedAfterTerminal(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 100)

	err := s.Feed(pattern(100), true)
	assert.NoError(t, err)

	err = s.Feed([]byte("x"), false)
	assert.Equal(t, ErrClosed, err)
}

func TestCancel(t *testing.T) {
	dir := flash.NewMemDirectory()
	s := newTestSession(dir, 100)

	err := s.Feed(pattern(50), false)
	assert.NoError(t, err)

	s.Cancel(ErrStalled)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, ErrStalled, s.Err())
	assert.False(t, dir.Committed("ota_1"))

	// canceling twice is a no-op
	s.Cancel(errors.New("other"))
	assert.Equal(t, ErrStalled, s.Err())
}

func TestProgressReporting(t *testing.T) {
	dir := flash.NewMemDirectory()
	var reported []int
	s := NewSession(Config{
		Directory: dir,
		Total:     200,
		Progress: func(pct int) {
			reported = append(reported, pct)
		},
	})

	payload := pattern(200)
	err := s.Feed(payload[:100], false)
	assert.NoError(t, err)
	err = s.Feed(payload[100:], true)
	assert.NoError(t, err)

	assert.Equal(t, []int{50, 100, 100}, reported)
	assert.Equal(t, 100, s.Progress())
}
