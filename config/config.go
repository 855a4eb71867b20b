// Package config loads crabterm's runtime configuration: device
// parameters, listener address, and tunables, plus the keybind/filter
// table consumed by the console package.
//
// Grounded on the teacher's config/config.go (a single struct plus a
// ReadConfig(path) loader populating a package-level AppConfig) and
// test/echoserver/main.go's call-site shape.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/allannielsen/crabterm/keybind"
)

// Config holds every tunable named in spec.md §9 plus the CLI-exposed
// device/listener parameters.
type Config struct {
	Baud                int           `yaml:"baud"`
	ListenAddr          string        `yaml:"listen_addr"`
	Headless            bool          `yaml:"headless"`
	Announce            bool          `yaml:"announce"`
	LogFile             string        `yaml:"log_file"`
	LogLevel            string        `yaml:"log_level"`
	SinkCapacity        int           `yaml:"sink_capacity"` // bytes; spec.md §9 SINK_CAP
	DrainDeadline       time.Duration `yaml:"drain_deadline"`
	ReconnectBackoffMin time.Duration `yaml:"reconnect_backoff_min"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
	ReadCap             int           `yaml:"read_cap"`
	SourceReadBuf       int           `yaml:"source_read_buf"`

	Bindings []keybind.Binding `yaml:"bindings"`
}

// Default returns the proposed defaults from spec.md §9.
func Default() Config {
	return Config{
		Baud:                115200,
		ListenAddr:          ":2323",
		Headless:            false,
		Announce:            true,
		LogLevel:            "info",
		SinkCapacity:        256 * 1024,
		DrainDeadline:       500 * time.Millisecond,
		ReconnectBackoffMin: 200 * time.Millisecond,
		ReconnectBackoffMax: 5 * time.Second,
		ReadCap:             64 * 1024,
		SourceReadBuf:       32 * 1024,
	}
}

// AppConfig is the process-wide configuration, set once at startup,
// mirroring the teacher's package-level AppConfig.
var AppConfig = Default()

// ReadConfig loads YAML config from path over a copy of the defaults,
// so a config file only needs to set the fields it wants to override.
func ReadConfig(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// KeybindTable resolves the loaded bindings into a keybind.Table,
// falling back to keybind.Default() when none were configured.
func (c Config) KeybindTable() keybind.Table {
	if len(c.Bindings) == 0 {
		return keybind.Default()
	}
	return keybind.NewTable(c.Bindings)
}
