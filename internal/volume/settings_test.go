package volume

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource is a mutable SettingsSource.
type fakeSource struct {
	mu  sync.Mutex
	s   Settings
	err error
}

func newFakeSource(s Settings) *fakeSource { return &fakeSource{s: s} }

func (f *fakeSource) ReadVolumeSettings() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, f.err
}

func (f *fakeSource) set(fn func(*Settings)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.s)
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestVolumeConfig_FallsBackToDefaults(t *testing.T) {
	src := newFakeSource(Settings{})
	src.fail(errors.New("no such file"))

	cfg := NewVolumeConfig(src, testLogger())
	if got := cfg.Current(); got != DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestVolumeConfig_KeepsLastGoodOnError(t *testing.T) {
	s := DefaultSettings()
	s.Band = Band{MinDB: -50, MaxDB: -10}
	src := newFakeSource(s)
	cfg := NewVolumeConfig(src, testLogger())

	src.fail(errors.New("read error"))
	if got := cfg.Load(); got.Band != s.Band {
		t.Fatalf("expected last good band %+v, got %+v", s.Band, got.Band)
	}
}

func TestVolumeConfig_RejectsInvalidBand(t *testing.T) {
	src := newFakeSource(DefaultSettings())
	cfg := NewVolumeConfig(src, testLogger())

	src.set(func(s *Settings) { s.Band = Band{MinDB: -20, MaxDB: -18} })
	prev, changed := cfg.ReloadLimits()
	if changed {
		t.Fatalf("invalid band must not be applied")
	}
	if cfg.Current().Band != prev {
		t.Fatalf("band changed to %+v", cfg.Current().Band)
	}
}

func TestVolumeConfig_ReloadLimitsReportsChange(t *testing.T) {
	src := newFakeSource(DefaultSettings())
	cfg := NewVolumeConfig(src, testLogger())

	if _, changed := cfg.ReloadLimits(); changed {
		t.Fatalf("unchanged band reported as changed")
	}

	src.set(func(s *Settings) { s.Band = Band{MinDB: -70, MaxDB: -6} })
	prev, changed := cfg.ReloadLimits()
	if !changed {
		t.Fatalf("expected change")
	}
	if prev != DefaultSettings().Band {
		t.Fatalf("prev = %+v", prev)
	}
	if got := cfg.Current().Band; got != (Band{MinDB: -70, MaxDB: -6}) {
		t.Fatalf("current band = %+v", got)
	}
}

func TestVolumeConfig_ReloadStepsOnlyTouchesSteps(t *testing.T) {
	src := newFakeSource(DefaultSettings())
	cfg := NewVolumeConfig(src, testLogger())

	src.set(func(s *Settings) {
		s.Steps = Steps{Mobile: 10, Rotary: 0.5}
		s.Band = Band{MinDB: -80, MaxDB: -10}
	})
	prev := cfg.ReloadSteps()
	if prev != DefaultSettings().Steps {
		t.Fatalf("prev steps = %+v", prev)
	}
	cur := cfg.Current()
	if cur.Steps != (Steps{Mobile: 10, Rotary: 0.5}) {
		t.Fatalf("steps = %+v", cur.Steps)
	}
	if cur.Band != DefaultSettings().Band {
		t.Fatalf("band must not change on step reload, got %+v", cur.Band)
	}
}

func TestSettings_ValidateSteps(t *testing.T) {
	s := DefaultSettings()
	s.Steps.Rotary = 0
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for zero rotary step")
	}
	s = DefaultSettings()
	s.Steps.Mobile = 51
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for oversized mobile step")
	}
	s = DefaultSettings()
	s.Startup.Volume = 101
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for startup volume 101")
	}
}
