// Package config holds the static device configuration and the small
// persisted state the daemon mutates at runtime.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the static device configuration loaded at startup.
type Config struct {
	// DeviceName is the name announced over mDNS and MQTT.
	DeviceName string `yaml:"device_name"`

	// Board selects the firmware assets matched during update checks.
	Board string `yaml:"board"`

	// Boards lists all known board variants. It keeps assets of a more
	// specific variant from matching a generic board name.
	Boards []string `yaml:"boards"`

	// Listen is the address of the HTTP API.
	Listen string `yaml:"listen"`

	// StateDir is the directory holding slot images, the boot record and
	// the persisted state.
	StateDir string `yaml:"state_dir"`

	// RunningSlot is the slot the current process was started from.
	RunningSlot string `yaml:"running_slot"`

	// Broker is the MQTT broker URL, empty disables MQTT.
	Broker string `yaml:"broker"`

	// BaseTopic is the device base topic on the broker.
	BaseTopic string `yaml:"base_topic"`

	// ManifestURL points to a firmware manifest, empty skips straight to
	// the releases API.
	ManifestURL string `yaml:"manifest_url"`

	// ReleasesURL points to a GitHub style releases API.
	ReleasesURL string `yaml:"releases_url"`

	// AutoUpdate enables the periodic update check.
	AutoUpdate bool `yaml:"auto_update"`

	// CheckInterval is the number of seconds between update checks.
	CheckInterval int `yaml:"check_interval"`

	// ConsolePort is the serial console device, empty disables the
	// console.
	ConsolePort string `yaml:"console_port"`

	// ConsoleBaud is the serial console baud rate.
	ConsoleBaud int `yaml:"console_baud"`

	// MDNS enables service registration on the local network.
	MDNS bool `yaml:"mdns"`

	// MemoryFloor overrides the free memory floor of the update engine.
	MemoryFloor int64 `yaml:"memory_floor"`

	// ChunkDeadline is the number of seconds without an upload chunk
	// after which an update session is expired.
	ChunkDeadline int `yaml:"chunk_deadline"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DeviceName:    "lumatrix",
		Board:         "matrix32",
		Boards:        []string{"matrix32", "matrix32s2", "matrix32s3"},
		Listen:        ":8080",
		StateDir:      "/var/lib/lumatrix",
		RunningSlot:   "ota_0",
		BaseTopic:     "lumatrix",
		ReleasesURL:   "https://api.github.com/repos/lumatrix/lumatrix/releases/latest",
		CheckInterval: 21600,
		ConsoleBaud:   115200,
		MDNS:          true,
	}
}

// Load will read the configuration at the specified path on top of the
// defaults.
func Load(path string) (*Config, error) {
	// read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// decode on top of defaults
	cfg := Default()
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
