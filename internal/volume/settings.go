package volume

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Steps holds the two adjustment granularities, in display units.
type Steps struct {
	Mobile float64 `json:"mobile"` // coarse: app buttons
	Rotary float64 `json:"rotary"` // fine: encoder detents, remote keys
}

// StartupPolicy decides the volume applied when the daemon starts.
type StartupPolicy struct {
	Volume            int  `json:"volume"`
	RestoreLastVolume bool `json:"restore_last_volume"`
}

// Settings is the volume section of the daemon configuration.
type Settings struct {
	Band    Band          `json:"band"`
	Startup StartupPolicy `json:"startup"`
	Steps   Steps         `json:"steps"`
}

// DefaultSettings returns the compiled-in fallback used when nothing valid
// has been read yet.
func DefaultSettings() Settings {
	return Settings{
		Band:    Band{MinDB: -60, MaxDB: 0},
		Startup: StartupPolicy{Volume: 30, RestoreLastVolume: true},
		Steps:   Steps{Mobile: 5, Rotary: 1},
	}
}

// Validate checks every field of s.
func (s Settings) Validate() error {
	if err := s.Band.Validate(); err != nil {
		return fmt.Errorf("band: %w", err)
	}
	if s.Startup.Volume < 0 || s.Startup.Volume > 100 {
		return fmt.Errorf("startup volume %d outside [0, 100]", s.Startup.Volume)
	}
	if err := validStep(s.Steps.Mobile); err != nil {
		return fmt.Errorf("mobile step: %w", err)
	}
	if err := validStep(s.Steps.Rotary); err != nil {
		return fmt.Errorf("rotary step: %w", err)
	}
	return nil
}

func validStep(v float64) error {
	if math.IsNaN(v) || v <= 0 || v > 50 {
		return fmt.Errorf("%v must be in (0, 50]", v)
	}
	return nil
}

// SettingsSource reads the volume section from wherever settings live.
// Implementations validate before returning.
type SettingsSource interface {
	ReadVolumeSettings() (Settings, error)
}

// VolumeConfig holds the live volume settings and re-reads them on demand.
// Read failures never reach callers: the last good settings stay in effect.
type VolumeConfig struct {
	src    SettingsSource
	logger *slog.Logger

	mu  sync.RWMutex
	cur Settings
}

// NewVolumeConfig performs the initial load. If the source is unreadable the
// compiled-in defaults are used.
func NewVolumeConfig(src SettingsSource, logger *slog.Logger) *VolumeConfig {
	c := &VolumeConfig{src: src, logger: logger, cur: DefaultSettings()}
	c.Load()
	return c
}

// Current returns the live settings.
func (c *VolumeConfig) Current() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Load re-reads all settings and replaces the live copy.
func (c *VolumeConfig) Load() Settings {
	next, ok := c.read()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.cur = next
	}
	return c.cur
}

// ReloadLimits re-reads the operating band. It returns the previous band and
// whether the band changed.
func (c *VolumeConfig) ReloadLimits() (prev Band, changed bool) {
	next, ok := c.read()
	c.mu.Lock()
	defer c.mu.Unlock()
	prev = c.cur.Band
	if !ok {
		return prev, false
	}
	c.cur.Band = next.Band
	return prev, prev != next.Band
}

// RestoreLimits puts back a band whose application failed. The next
// ReloadLimits then reports the file's band as a change again.
func (c *VolumeConfig) RestoreLimits(b Band) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.Band = b
}

// ReloadStartup re-reads the startup policy and returns the previous one.
func (c *VolumeConfig) ReloadStartup() StartupPolicy {
	next, ok := c.read()
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.cur.Startup
	if ok {
		c.cur.Startup = next.Startup
	}
	return prev
}

// ReloadSteps re-reads both step sizes and returns the previous ones.
func (c *VolumeConfig) ReloadSteps() Steps {
	next, ok := c.read()
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.cur.Steps
	if ok {
		c.cur.Steps = next.Steps
	}
	return prev
}

func (c *VolumeConfig) read() (Settings, bool) {
	if c.src == nil {
		return Settings{}, false
	}
	s, err := c.src.ReadVolumeSettings()
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		c.logger.Warn("volume settings unreadable; keeping last good", "error", err)
		return Settings{}, false
	}
	return s, true
}
