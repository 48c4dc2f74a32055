// Package config loads the multivold YAML configuration.
//
// Defaults and validation live here so the rest of the daemon can assume a
// well-formed config. The file is the primary configuration surface; flags
// are small overrides on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"multivol/internal/volume"
)

// Output types for direct mode.
const (
	OutputCamillaDSP = "camilladsp"
	OutputALSA       = "alsa"
)

// Routing modes.
const (
	RoutingDirect    = "direct"
	RoutingMultiroom = "multiroom"
)

// Config is the top-level YAML configuration.
type Config struct {
	Volume      VolumeConfig      `yaml:"volume"`
	Output      OutputConfig      `yaml:"output"`
	Routing     RoutingConfig     `yaml:"routing"`
	Snapcast    SnapcastConfig    `yaml:"snapcast"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	State       StateConfig       `yaml:"state"`
	API         APIConfig         `yaml:"api"`
	IPC         IPCConfig         `yaml:"ipc"`
	Input       InputConfig       `yaml:"input"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// VolumeConfig is the reloadable volume section.
type VolumeConfig struct {
	MinDB             float64 `yaml:"min_db"`
	MaxDB             float64 `yaml:"max_db"`
	StartupVolume     int     `yaml:"startup_volume"`
	RestoreLastVolume bool    `yaml:"restore_last_volume"`
	MobileStep        float64 `yaml:"mobile_step"`
	RotaryStep        float64 `yaml:"rotary_step"`
}

type OutputConfig struct {
	Type       string           `yaml:"type"` // "camilladsp" or "alsa"
	CamillaDSP CamillaDSPConfig `yaml:"camilladsp"`
	ALSA       ALSAConfig       `yaml:"alsa"`
}

type CamillaDSPConfig struct {
	WsURL     string `yaml:"ws_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ALSAConfig struct {
	Card    string `yaml:"card,omitempty"`
	Control string `yaml:"control"`
}

type RoutingConfig struct {
	Mode string `yaml:"mode"` // "direct" or "multiroom"
}

type SnapcastConfig struct {
	// Host of the Snapcast server. Empty means browse mDNS.
	Host         string `yaml:"host,omitempty"`
	Port         int    `yaml:"port"`
	DSPPort      int    `yaml:"dsp_port"`
	DSPTimeoutMS int    `yaml:"dsp_timeout_ms"`
}

type CoordinatorConfig struct {
	OpTimeoutMS    int `yaml:"op_timeout_ms"`
	EchoHoldMS     int `yaml:"echo_hold_ms"`
	DebounceMS     int `yaml:"debounce_ms"`
	ClientCacheMS  int `yaml:"client_cache_ms"`
	SyncIntervalMS int `yaml:"sync_interval_ms"`
}

type StateConfig struct {
	VolumeFile     string `yaml:"volume_file"`
	MaxAgeHours    int    `yaml:"max_age_hours"`
	PendingDB      string `yaml:"pending_db"`
	PendingMaxDays int    `yaml:"pending_max_days"`
}

type APIConfig struct {
	Listen    string `yaml:"listen"`
	Advertise bool   `yaml:"advertise"`
	Instance  string `yaml:"instance,omitempty"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type InputConfig struct {
	Devices []string `yaml:"devices,omitempty"`
	// Encoder detents in the same direction within VelocityWindowMS count as
	// a fast spin once there are at least FastSpinSteps of them.
	VelocityWindowMS int `yaml:"velocity_window_ms"`
	FastSpinSteps    int `yaml:"fast_spin_steps"`
	FastSpinMult     int `yaml:"fast_spin_mult"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	def := volume.DefaultSettings()
	return Config{
		Volume: VolumeConfig{
			MinDB:             def.Band.MinDB,
			MaxDB:             def.Band.MaxDB,
			StartupVolume:     def.Startup.Volume,
			RestoreLastVolume: def.Startup.RestoreLastVolume,
			MobileStep:        def.Steps.Mobile,
			RotaryStep:        def.Steps.Rotary,
		},
		Output: OutputConfig{
			Type: OutputCamillaDSP,
			CamillaDSP: CamillaDSPConfig{
				WsURL:     "ws://127.0.0.1:1234",
				TimeoutMS: 1000,
			},
			ALSA: ALSAConfig{Control: "Master"},
		},
		Routing: RoutingConfig{Mode: RoutingDirect},
		Snapcast: SnapcastConfig{
			Port:         1705,
			DSPPort:      5005,
			DSPTimeoutMS: 2000,
		},
		Coordinator: CoordinatorConfig{
			OpTimeoutMS:    5000,
			EchoHoldMS:     750,
			DebounceMS:     100,
			ClientCacheMS:  50,
			SyncIntervalMS: 10000,
		},
		State: StateConfig{
			VolumeFile:     "/var/lib/multivol/volume.json",
			MaxAgeHours:    7 * 24,
			PendingDB:      "/var/lib/multivol/pending.db",
			PendingMaxDays: 30,
		},
		API:   APIConfig{Listen: ":8090"},
		IPC:   IPCConfig{SocketPath: "/tmp/multivold.sock"},
		Input: InputConfig{VelocityWindowMS: 200, FastSpinSteps: 3, FastSpinMult: 2},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of DefaultConfig.
func Parse(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		// An empty document leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace and comments may follow the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// FlagOverrides holds optional flag values. Each non-nil pointer is applied,
// even when it points at a zero value.
type FlagOverrides struct {
	OutputType   *string
	CamillaWsURL *string
	ALSACard     *string
	ALSAControl  *string

	RoutingMode *string

	SnapcastHost *string
	SnapcastPort *int

	VolumeFile *string
	PendingDB  *string

	APIListen     *string
	IPCSocketPath *string
	InputDevice   *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.OutputType != nil {
		cfg.Output.Type = *o.OutputType
	}
	if o.CamillaWsURL != nil {
		cfg.Output.CamillaDSP.WsURL = *o.CamillaWsURL
	}
	if o.ALSACard != nil {
		cfg.Output.ALSA.Card = *o.ALSACard
	}
	if o.ALSAControl != nil {
		cfg.Output.ALSA.Control = *o.ALSAControl
	}
	if o.RoutingMode != nil {
		cfg.Routing.Mode = *o.RoutingMode
	}
	if o.SnapcastHost != nil {
		cfg.Snapcast.Host = *o.SnapcastHost
	}
	if o.SnapcastPort != nil {
		cfg.Snapcast.Port = *o.SnapcastPort
	}
	if o.VolumeFile != nil {
		cfg.State.VolumeFile = *o.VolumeFile
	}
	if o.PendingDB != nil {
		cfg.State.PendingDB = *o.PendingDB
	}
	if o.APIListen != nil {
		cfg.API.Listen = *o.APIListen
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.InputDevice != nil {
		cfg.Input.Devices = []string{*o.InputDevice}
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants. Call it after defaults, file and
// overrides have been applied.
func (c *Config) Validate() error {
	if err := c.Volume.Settings().Validate(); err != nil {
		return fmt.Errorf("volume: %w", err)
	}

	switch c.Output.Type {
	case OutputCamillaDSP:
		if c.Output.CamillaDSP.WsURL == "" {
			return errors.New("output.camilladsp.ws_url must not be empty")
		}
		if c.Output.CamillaDSP.TimeoutMS <= 0 {
			return errors.New("output.camilladsp.timeout_ms must be > 0")
		}
	case OutputALSA:
		if c.Output.ALSA.Control == "" {
			return errors.New("output.alsa.control must not be empty")
		}
	default:
		return fmt.Errorf("output.type must be %q or %q", OutputCamillaDSP, OutputALSA)
	}

	if c.Routing.Mode != RoutingDirect && c.Routing.Mode != RoutingMultiroom {
		return fmt.Errorf("routing.mode must be %q or %q", RoutingDirect, RoutingMultiroom)
	}

	if c.Snapcast.Port <= 0 || c.Snapcast.Port > 65535 {
		return errors.New("snapcast.port must be between 1 and 65535")
	}
	if c.Snapcast.DSPPort <= 0 || c.Snapcast.DSPPort > 65535 {
		return errors.New("snapcast.dsp_port must be between 1 and 65535")
	}
	if c.Snapcast.DSPTimeoutMS <= 0 {
		return errors.New("snapcast.dsp_timeout_ms must be > 0")
	}

	for name, v := range map[string]int{
		"coordinator.op_timeout_ms":    c.Coordinator.OpTimeoutMS,
		"coordinator.echo_hold_ms":     c.Coordinator.EchoHoldMS,
		"coordinator.debounce_ms":      c.Coordinator.DebounceMS,
		"coordinator.client_cache_ms":  c.Coordinator.ClientCacheMS,
		"coordinator.sync_interval_ms": c.Coordinator.SyncIntervalMS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	if c.State.VolumeFile == "" {
		return errors.New("state.volume_file must not be empty")
	}
	if c.State.MaxAgeHours <= 0 {
		return errors.New("state.max_age_hours must be > 0")
	}
	if c.State.PendingDB == "" {
		return errors.New("state.pending_db must not be empty")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}
	if c.Input.VelocityWindowMS <= 0 || c.Input.FastSpinSteps <= 0 || c.Input.FastSpinMult <= 0 {
		return errors.New("input velocity_window_ms, fast_spin_steps and fast_spin_mult must be > 0")
	}

	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	return nil
}

// Settings converts the volume section into the coordinator's settings.
func (v VolumeConfig) Settings() volume.Settings {
	return volume.Settings{
		Band: volume.Band{MinDB: v.MinDB, MaxDB: v.MaxDB},
		Startup: volume.StartupPolicy{
			Volume:            v.StartupVolume,
			RestoreLastVolume: v.RestoreLastVolume,
		},
		Steps: volume.Steps{Mobile: v.MobileStep, Rotary: v.RotaryStep},
	}
}

// Options converts the coordinator section into timing options.
func (c CoordinatorConfig) Options() volume.Options {
	return volume.Options{
		OpTimeout:      ms(c.OpTimeoutMS),
		EchoHold:       ms(c.EchoHoldMS),
		Debounce:       ms(c.DebounceMS),
		ClientCacheTTL: ms(c.ClientCacheMS),
		SyncInterval:   ms(c.SyncIntervalMS),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
