package main

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"multivol/internal/volume"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController records calls and serves canned state.
type fakeController struct {
	mu sync.Mutex

	volume   float64
	clients  map[string]int
	muted    map[string]bool
	err      error
	calls    []string
	steps    []int
	modeSeen int

	mobileStep float64
	rotaryStep float64
}

func newFakeController() *fakeController {
	return &fakeController{
		volume:     30,
		clients:    map[string]int{"kitchen": 40},
		muted:      map[string]bool{},
		mobileStep: 5,
		rotaryStep: 1,
	}
}

func (f *fakeController) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeController) DisplayVolume() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return volume.RoundDisplay(f.volume)
}

func (f *fakeController) Status() volume.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return volume.Status{
		Mode:   volume.ModeDirect,
		Volume: volume.RoundDisplay(f.volume),
		Band:   volume.Band{MinDB: -60, MaxDB: 0},
		Steps:  volume.Steps{Mobile: f.mobileStep, Rotary: f.rotaryStep},
	}
}

func (f *fakeController) SetDisplayVolume(_ context.Context, value float64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("set"); err != nil {
		return err
	}
	f.volume = volume.ClampDisplay(value)
	return nil
}

func (f *fakeController) AdjustDisplayVolume(_ context.Context, delta float64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("adjust"); err != nil {
		return err
	}
	f.volume = volume.ClampDisplay(f.volume + delta)
	return nil
}

func (f *fakeController) Step(_ context.Context, steps int, fine bool, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("step"); err != nil {
		return err
	}
	f.steps = append(f.steps, steps)
	size := f.mobileStep
	if fine {
		size = f.rotaryStep
	}
	f.volume = volume.ClampDisplay(f.volume + float64(steps)*size)
	return nil
}

func (f *fakeController) ClientVolume(id string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.clients[id]
	return v, ok
}

func (f *fakeController) SetClientVolume(_ context.Context, id string, value float64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("client_volume"); err != nil {
		return err
	}
	if _, ok := f.clients[id]; !ok {
		return volume.ErrUnknownClient
	}
	f.clients[id] = volume.RoundDisplay(value)
	return nil
}

func (f *fakeController) SetClientMute(_ context.Context, id string, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("client_mute"); err != nil {
		return err
	}
	if _, ok := f.clients[id]; !ok {
		return volume.ErrUnknownClient
	}
	f.muted[id] = muted
	return nil
}

func (f *fakeController) PushVolumeToAllClients(_ context.Context, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("push"); err != nil {
		return err
	}
	for id := range f.clients {
		f.clients[id] = volume.RoundDisplay(value)
	}
	f.volume = value
	return nil
}

func (f *fakeController) ModeChanged(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modeSeen++
	return f.record("mode_changed")
}

func (f *fakeController) ReloadVolumeLimits(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("reload_limits")
}

func (f *fakeController) ReloadStartupConfig() volume.StartupPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reload_startup")
	return volume.StartupPolicy{Volume: 30}
}

func (f *fakeController) ReloadMobileSteps() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reload_mobile")
	return f.mobileStep
}

func (f *fakeController) ReloadRotarySteps() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reload_rotary")
	return f.rotaryStep
}
