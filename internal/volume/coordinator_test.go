package volume

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestCoordinator_StartAppliesStartupVolume(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sets := dev.setCalls()
	if len(sets) != 1 || sets[0] != -42 {
		t.Fatalf("expected one write of -42 dB, got %v", sets)
	}
	if got := c.DisplayVolume(); got != 30 {
		t.Fatalf("DisplayVolume = %d, want 30", got)
	}
}

func TestCoordinator_StartRestoresPersistedVolume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.json")
	store := NewStore(path, 0, testLogger())
	store.Save(64, true)
	if err := store.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	dev := &fakeDirect{}
	c := New(Deps{
		Config: NewVolumeConfig(newFakeSource(DefaultSettings()), testLogger()),
		Store:  store,
		Direct: dev,
		Logger: testLogger(),
	}, testOptions())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.DisplayVolume(); got != 64 {
		t.Fatalf("DisplayVolume = %d, want 64", got)
	}
}

func TestCoordinator_SetDisplayVolumeDirect(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)

	if err := c.SetDisplayVolume(context.Background(), 50, true); err != nil {
		t.Fatalf("SetDisplayVolume: %v", err)
	}
	if sets := dev.setCalls(); len(sets) != 1 || sets[0] != -30 {
		t.Fatalf("expected write of -30 dB, got %v", sets)
	}
	if got := c.DisplayVolume(); got != 50 {
		t.Fatalf("DisplayVolume = %d, want 50", got)
	}

	if err := c.SetDisplayVolume(context.Background(), 140, false); err != nil {
		t.Fatalf("SetDisplayVolume(140): %v", err)
	}
	if got := c.DisplayVolume(); got != 100 {
		t.Fatalf("clamped DisplayVolume = %d, want 100", got)
	}
}

func TestCoordinator_RejectsNonFinite(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := c.SetDisplayVolume(context.Background(), v, false); !errors.Is(err, ErrInvalidVolume) {
			t.Fatalf("SetDisplayVolume(%v) err = %v, want ErrInvalidVolume", v, err)
		}
		if err := c.AdjustDisplayVolume(context.Background(), v, false); !errors.Is(err, ErrInvalidVolume) {
			t.Fatalf("AdjustDisplayVolume(%v) err = %v, want ErrInvalidVolume", v, err)
		}
	}
	if sets := dev.setCalls(); len(sets) != 0 {
		t.Fatalf("expected no device I/O, got %v", sets)
	}
}

func TestCoordinator_AdjustNoDrift(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)
	ctx := context.Background()

	start := c.directPrecise
	for i := 0; i < 500; i++ {
		if err := c.AdjustDisplayVolume(ctx, 0.37, false); err != nil {
			t.Fatalf("adjust +: %v", err)
		}
		if err := c.AdjustDisplayVolume(ctx, -0.37, false); err != nil {
			t.Fatalf("adjust -: %v", err)
		}
	}
	c.mu.RLock()
	got := c.directPrecise
	c.mu.RUnlock()
	if got != start {
		t.Fatalf("accumulator drifted: start %v, end %v", start, got)
	}
}

func TestCoordinator_BoundaryIsSuccessfulNoop(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)
	ctx := context.Background()

	if err := c.SetDisplayVolume(ctx, 100, false); err != nil {
		t.Fatal(err)
	}
	before := len(dev.setCalls())
	if err := c.AdjustDisplayVolume(ctx, 5, false); err != nil {
		t.Fatalf("adjust at max: %v", err)
	}
	if after := len(dev.setCalls()); after != before {
		t.Fatalf("expected no device write at boundary, got %d new", after-before)
	}
}

func TestCoordinator_Step(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)
	ctx := context.Background()

	if err := c.Step(ctx, 2, false, false); err != nil {
		t.Fatal(err)
	}
	if got := c.DisplayVolume(); got != 40 {
		t.Fatalf("after 2 mobile steps: %d, want 40", got)
	}
	if err := c.Step(ctx, -3, true, false); err != nil {
		t.Fatal(err)
	}
	if got := c.DisplayVolume(); got != 37 {
		t.Fatalf("after 3 rotary steps down: %d, want 37", got)
	}
}

func TestCoordinator_DeviceFailureCommitsNothing(t *testing.T) {
	dev := &fakeDirect{err: errors.New("amixer exited 1")}
	c := newDirectCoordinator(t, dev, nil)

	if err := c.SetDisplayVolume(context.Background(), 80, false); err == nil {
		t.Fatalf("expected error")
	}
	if got := c.DisplayVolume(); got != 30 {
		t.Fatalf("DisplayVolume = %d, want unchanged 30", got)
	}
}

func TestCoordinator_LockTimeout(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)
	c.opts.OpTimeout = 30 * time.Millisecond

	c.sem <- struct{}{}
	err := c.SetDisplayVolume(context.Background(), 60, false)
	<-c.sem

	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if len(dev.setCalls()) != 0 {
		t.Fatalf("device written without the lock")
	}
}

func TestCoordinator_OpTimeoutCommitsNothing(t *testing.T) {
	dev := &fakeDirect{latency: 300 * time.Millisecond}
	c := newDirectCoordinator(t, dev, nil)
	c.opts.OpTimeout = 30 * time.Millisecond

	err := c.SetDisplayVolume(context.Background(), 90, false)
	if !errors.Is(err, ErrOpTimeout) {
		t.Fatalf("err = %v, want ErrOpTimeout", err)
	}
	if got := c.DisplayVolume(); got != 30 {
		t.Fatalf("DisplayVolume = %d, want unchanged 30", got)
	}
}

func TestCoordinator_BroadcastIsDebounced(t *testing.T) {
	dev := &fakeDirect{}
	n := &fakeNotifier{}
	c := newDirectCoordinator(t, dev, n)
	c.opts.Debounce = 150 * time.Millisecond
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := c.AdjustDisplayVolume(ctx, 1, i == 2); err != nil {
			t.Fatal(err)
		}
	}
	waitUntil(t, time.Second, func() bool { return len(n.snapshot()) >= 1 })
	time.Sleep(200 * time.Millisecond)

	events := n.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 coalesced broadcast, got %d", len(events))
	}
	ev := events[0]
	if ev.Volume != 35 {
		t.Fatalf("broadcast volume = %d, want latest 35", ev.Volume)
	}
	if !ev.ShowBar {
		t.Fatalf("show_bar requested within the window was lost")
	}
	if ev.Mode != ModeDirect {
		t.Fatalf("mode = %q", ev.Mode)
	}
}

func TestCoordinator_CloseFlushesStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.json")
	store := NewStore(path, 0, testLogger())
	dev := &fakeDirect{}
	c := New(Deps{
		Config: NewVolumeConfig(newFakeSource(DefaultSettings()), testLogger()),
		Store:  store,
		Direct: dev,
		Logger: testLogger(),
	}, testOptions())

	if err := c.SetDisplayVolume(context.Background(), 72, false); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v, ok := store.Load(); !ok || v != 72 {
		t.Fatalf("persisted = %d, %v; want 72", v, ok)
	}
}

func TestCoordinator_SyncDirectFromDevice(t *testing.T) {
	dev := &fakeDirect{}
	c := newDirectCoordinator(t, dev, nil)
	ctx := context.Background()

	if err := c.SetDisplayVolume(ctx, 50, false); err != nil {
		t.Fatal(err)
	}
	waitQuiet(t, c)

	dev.mu.Lock()
	dev.db = -12
	dev.mu.Unlock()

	if err := c.SyncDirectFromDevice(ctx); err != nil {
		t.Fatalf("SyncDirectFromDevice: %v", err)
	}
	if got := c.DisplayVolume(); got != 80 {
		t.Fatalf("DisplayVolume = %d, want 80", got)
	}
}

func TestCoordinator_ReloadLimitsRecentersDirect(t *testing.T) {
	src := newFakeSource(DefaultSettings())
	dev := &fakeDirect{}
	c := New(Deps{
		Config: NewVolumeConfig(src, testLogger()),
		Direct: dev,
		Logger: testLogger(),
	}, testOptions())
	ctx := context.Background()

	if err := c.SetDisplayVolume(ctx, 90, false); err != nil {
		t.Fatal(err)
	}
	src.set(func(s *Settings) { s.Band = Band{MinDB: -60, MaxDB: -20} })
	if err := c.ReloadVolumeLimits(ctx); err != nil {
		t.Fatalf("ReloadVolumeLimits: %v", err)
	}

	if got := c.DisplayVolume(); got != 50 {
		t.Fatalf("DisplayVolume = %d, want re-centered 50", got)
	}
	sets := dev.setCalls()
	if last := sets[len(sets)-1]; last != -40 {
		t.Fatalf("last device write = %v, want midpoint -40", last)
	}
}

func TestCoordinator_ReloadLimitsRetriedAfterDeviceFailure(t *testing.T) {
	src := newFakeSource(DefaultSettings())
	dev := &fakeDirect{}
	c := New(Deps{
		Config: NewVolumeConfig(src, testLogger()),
		Direct: dev,
		Logger: testLogger(),
	}, testOptions())
	ctx := context.Background()

	if err := c.SetDisplayVolume(ctx, 100, false); err != nil {
		t.Fatal(err)
	}
	oldBand := c.Converter().Band()
	newBand := Band{MinDB: -60, MaxDB: -20}
	src.set(func(s *Settings) { s.Band = newBand })

	dev.mu.Lock()
	dev.err = errors.New("mixer busy")
	dev.mu.Unlock()
	if err := c.ReloadVolumeLimits(ctx); err == nil {
		t.Fatal("reload with failing device must return an error")
	}
	if b := c.Converter().Band(); b != oldBand {
		t.Fatalf("converter band = %+v after failed reload, want %+v", b, oldBand)
	}
	if b := c.cfg.Current().Band; b != oldBand {
		t.Fatalf("config band = %+v after failed reload, want %+v", b, oldBand)
	}
	if got := c.DisplayVolume(); got != 100 {
		t.Fatalf("DisplayVolume = %d, want 100", got)
	}
	if db, _ := c.AverageVolumeDB(); db != 0 {
		t.Fatalf("level = %v dB, want unchanged 0", db)
	}

	dev.mu.Lock()
	dev.err = nil
	dev.mu.Unlock()
	if err := c.ReloadVolumeLimits(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if b := c.Converter().Band(); b != newBand {
		t.Fatalf("band = %+v after retry, want %+v", b, newBand)
	}
	dev.mu.Lock()
	db := dev.db
	dev.mu.Unlock()
	if db != -40 {
		t.Fatalf("device at %v dB after retry, want midpoint -40", db)
	}
	if got := c.DisplayVolume(); got != 50 {
		t.Fatalf("DisplayVolume = %d, want 50", got)
	}
}

func TestCoordinator_ReloadLimitsKeepsInBandLevel(t *testing.T) {
	src := newFakeSource(DefaultSettings())
	dev := &fakeDirect{}
	c := New(Deps{
		Config: NewVolumeConfig(src, testLogger()),
		Direct: dev,
		Logger: testLogger(),
	}, testOptions())
	ctx := context.Background()

	if err := c.SetDisplayVolume(ctx, 50, false); err != nil {
		t.Fatal(err)
	}
	before := len(dev.setCalls())
	src.set(func(s *Settings) { s.Band = Band{MinDB: -40, MaxDB: -10} })
	if err := c.ReloadVolumeLimits(ctx); err != nil {
		t.Fatal(err)
	}

	if after := len(dev.setCalls()); after != before {
		t.Fatalf("level unchanged in dB but device was rewritten")
	}
	if db, _ := c.AverageVolumeDB(); db != -30 {
		t.Fatalf("level = %v dB, want -30", db)
	}
}

func TestCoordinator_ReloadStepsLeavesVolume(t *testing.T) {
	src := newFakeSource(DefaultSettings())
	dev := &fakeDirect{}
	c := New(Deps{
		Config: NewVolumeConfig(src, testLogger()),
		Direct: dev,
		Logger: testLogger(),
	}, testOptions())

	src.set(func(s *Settings) { s.Steps = Steps{Mobile: 8, Rotary: 2} })
	if got := c.ReloadMobileSteps(); got != 8 {
		t.Fatalf("mobile step = %v", got)
	}
	if got := c.ReloadRotarySteps(); got != 2 {
		t.Fatalf("rotary step = %v", got)
	}
	if len(dev.setCalls()) != 0 {
		t.Fatalf("step reload touched the device")
	}
}
