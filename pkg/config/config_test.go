package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lumatrix.yml")

	err := os.WriteFile(path, []byte(`
device_name: office-matrix
listen: ":9090"
broker: tcp://broker.local:1883
auto_update: true
`), 0644)
	assert.NoError(t, err)

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "office-matrix", cfg.DeviceName)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "tcp://broker.local:1883", cfg.Broker)
	assert.True(t, cfg.AutoUpdate)

	// unset values keep their defaults
	assert.Equal(t, "matrix32", cfg.Board)
	assert.Equal(t, "ota_0", cfg.RunningSlot)
	assert.Equal(t, 21600, cfg.CheckInterval)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	// a missing file yields a zero state
	state, err := store.Read()
	assert.NoError(t, err)
	assert.Equal(t, "", state.FailedVersion)

	err = store.Update(func(s *State) {
		s.FailedVersion = "1.2.3"
	})
	assert.NoError(t, err)

	state, err = store.Read()
	assert.NoError(t, err)
	assert.Equal(t, "1.2.3", state.FailedVersion)

	// a fresh store on the same directory sees the value
	state, err = NewStore(dir).Read()
	assert.NoError(t, err)
	assert.Equal(t, "1.2.3", state.FailedVersion)

	// no temporary file is left behind
	_, err = os.Stat(filepath.Join(dir, "state.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}
