// Package volume owns the appliance's display volume: unit conversion between
// display units (0-100) and decibels, persisted startup volume, and the
// coordinator that drives either one local output or a fleet of multiroom
// clients.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLockTimeout means the mutation lock could not be acquired in time.
	ErrLockTimeout = errors.New("volume: timed out waiting for mutation lock")
	// ErrOpTimeout means the critical section outlived the operation timeout;
	// nothing was committed.
	ErrOpTimeout = errors.New("volume: operation timed out")
	// ErrInvalidVolume rejects non-finite input before any I/O.
	ErrInvalidVolume = errors.New("volume: invalid volume value")
	// ErrUnknownClient is returned for per-client operations on an absent client.
	ErrUnknownClient = errors.New("volume: unknown client")
	// ErrNoOutput means the active mode has no output wired.
	ErrNoOutput = errors.New("volume: no output configured for active mode")
	// ErrAllWritesFailed means every client write failed and none could be queued.
	ErrAllWritesFailed = errors.New("volume: all client writes failed")
)

// ModeSource reports the routing mode. The flag is owned elsewhere.
type ModeSource interface {
	Multiroom() bool
}

// DirectOutput is the single local output used in direct mode.
type DirectOutput interface {
	GetVolume(ctx context.Context) (float64, error)
	SetVolume(ctx context.Context, db float64) error
}

// ClientInfo is one entry of a client discovery snapshot.
type ClientInfo struct {
	ID       string
	Address  string
	VolumeDB float64
	Muted    bool
}

// ClientPlane discovers multiroom clients and mirrors their volume and mute.
type ClientPlane interface {
	Clients(ctx context.Context) ([]ClientInfo, error)
	SetClientVolume(ctx context.Context, id string, db float64) error
	SetClientMute(ctx context.Context, id string, muted bool) error
}

// ClientEndpoint talks to the volume control of one client's DSP.
type ClientEndpoint interface {
	GetVolume(ctx context.Context, address string) (float64, error)
	SetVolume(ctx context.Context, address string, db float64) error
}

// Notifier receives change notifications. Delivery is not guaranteed.
type Notifier interface {
	Broadcast(topic, event string, payload any)
}

// PendingQueue keeps settings for unreachable clients until they return.
type PendingQueue interface {
	Queue(ctx context.Context, clientID, kind string, payload any) error
	Replay(ctx context.Context, clientID string, apply func(kind string, payload []byte) error) (int, error)
}

// Options tunes timing. Zero fields take the defaults below.
type Options struct {
	OpTimeout      time.Duration
	EchoHold       time.Duration
	Debounce       time.Duration
	ClientCacheTTL time.Duration
	SyncInterval   time.Duration
}

const (
	defaultOpTimeout      = 5 * time.Second
	defaultEchoHold       = 750 * time.Millisecond
	defaultDebounce       = 100 * time.Millisecond
	defaultClientCacheTTL = 50 * time.Millisecond
	defaultSyncInterval   = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	if o.EchoHold <= 0 {
		o.EchoHold = defaultEchoHold
	}
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.ClientCacheTTL <= 0 {
		o.ClientCacheTTL = defaultClientCacheTTL
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = defaultSyncInterval
	}
	return o
}

// Deps are the coordinator's collaborators. Plane, Endpoint, Pending and
// Notifier may be nil in a direct-only deployment.
type Deps struct {
	Config   *VolumeConfig
	Store    *Store
	Mode     ModeSource
	Direct   DirectOutput
	Plane    ClientPlane
	Endpoint ClientEndpoint
	Pending  PendingQueue
	Notifier Notifier
	Logger   *slog.Logger
}

// clientState is the coordinator's view of one multiroom client.
// Offset is derived: Precise - global.
type clientState struct {
	ID      string
	Address string
	Precise float64
	Offset  float64
	Muted   bool
}

// Coordinator owns the volume state for both routing modes.
//
// Mutating operations serialize on a one-slot semaphore acquired under the
// operation timeout. Fields below mu are additionally guarded by mu so that
// read-only accessors never wait on device I/O.
type Coordinator struct {
	cfg      *VolumeConfig
	conv     *Converter
	store    *Store
	mode     ModeSource
	direct   DirectOutput
	plane    ClientPlane
	endpoint ClientEndpoint
	pending  PendingQueue
	notifier Notifier
	logger   *slog.Logger
	opts     Options

	sem chan struct{}

	// adjusting counts operations that are running or whose echo may still
	// arrive. It is advisory: external sync skips while it is non-zero.
	// It does not provide mutual exclusion; sem does.
	adjusting atomic.Int32

	mu            sync.RWMutex
	directPrecise float64
	global        float64
	clients       map[string]*clientState

	cacheMu   sync.Mutex
	cacheList []ClientInfo
	cacheAt   time.Time

	bcMu      sync.Mutex
	bcTimer   *time.Timer
	bcShowBar bool
	bcClosed  bool
}

// New builds a coordinator. Call Start before serving requests.
func New(d Deps, opts Options) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = NewVolumeConfig(nil, logger)
	}
	store := d.Store
	if store == nil {
		store = NewStore("", 0, logger)
	}
	mode := d.Mode
	if mode == nil {
		mode = staticMode(false)
	}
	pending := d.Pending
	if pending == nil {
		pending = discardQueue{logger: logger}
	}

	settings := cfg.Current()
	return &Coordinator{
		cfg:           cfg,
		conv:          NewConverter(settings.Band),
		store:         store,
		mode:          mode,
		direct:        d.Direct,
		plane:         d.Plane,
		endpoint:      d.Endpoint,
		pending:       pending,
		notifier:      d.Notifier,
		logger:        logger,
		opts:          opts.withDefaults(),
		sem:           make(chan struct{}, 1),
		directPrecise: float64(settings.Startup.Volume),
		global:        float64(settings.Startup.Volume),
		clients:       make(map[string]*clientState),
	}
}

// Converter exposes the live unit converter (read-only use).
func (c *Coordinator) Converter() *Converter { return c.conv }

// begin acquires the mutation lock under the operation timeout. When track is
// set the adjustment counter is held until EchoHold after release.
func (c *Coordinator) begin(parent context.Context, track bool) (context.Context, func(), error) {
	ctx, cancel := context.WithTimeout(parent, c.opts.OpTimeout)
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		cancel()
		return nil, nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
	if track {
		c.adjusting.Add(1)
	}
	release := func() {
		<-c.sem
		cancel()
		if track {
			time.AfterFunc(c.opts.EchoHold, func() { c.adjusting.Add(-1) })
		}
	}
	return ctx, release, nil
}

// committable reports ErrOpTimeout when the critical section overran.
func committable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOpTimeout, err)
	}
	return nil
}

// Start applies the startup volume in the active mode.
func (c *Coordinator) Start(ctx context.Context) error {
	settings := c.cfg.Current()
	startup := c.store.StartupVolume(settings.Startup.Volume, settings.Startup.RestoreLastVolume)
	c.logger.Info("applying startup volume", "volume", startup, "multiroom", c.mode.Multiroom())

	c.mu.Lock()
	c.directPrecise = float64(startup)
	c.global = float64(startup)
	c.mu.Unlock()

	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	if c.mode.Multiroom() {
		err = c.syncClientsLocked(opCtx, true)
	} else {
		err = c.applyDirectLocked(opCtx, float64(startup))
	}
	if err != nil {
		c.logger.Warn("startup volume not applied", "error", err)
		return err
	}
	c.scheduleBroadcast(false)
	return nil
}

// Close stops pending notifications and waits for the last persistence write.
func (c *Coordinator) Close(ctx context.Context) error {
	c.bcMu.Lock()
	c.bcClosed = true
	if c.bcTimer != nil {
		c.bcTimer.Stop()
		c.bcTimer = nil
	}
	c.bcMu.Unlock()
	return c.store.Flush(ctx)
}

// DisplayVolume returns the rounded display volume. In multiroom mode it is the
// mean of non-muted clients, falling back to the global reference.
func (c *Coordinator) DisplayVolume() int {
	return RoundDisplay(c.preciseVolume())
}

func (c *Coordinator) preciseVolume() float64 {
	multiroom := c.mode.Multiroom()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if multiroom {
		return c.averageLocked()
	}
	return c.directPrecise
}

// SetDisplayVolume sets an absolute target. In multiroom mode the difference to
// the current average is applied to every client so balance is preserved.
func (c *Coordinator) SetDisplayVolume(ctx context.Context, value float64, showBar bool) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, value)
	}
	target := ClampDisplay(value)

	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		c.logger.Warn("set volume rejected", "volume", value, "error", err)
		return err
	}
	defer release()

	var changed bool
	if c.mode.Multiroom() {
		changed, err = c.shiftClientsLocked(opCtx, 0, &target)
	} else {
		changed, err = c.moveDirectLocked(opCtx, target)
	}
	if err != nil {
		c.logger.Warn("set volume failed", "volume", value, "error", err)
		return err
	}
	if changed {
		c.afterChange(showBar)
	}
	return nil
}

// AdjustDisplayVolume moves the volume by delta display units.
func (c *Coordinator) AdjustDisplayVolume(ctx context.Context, delta float64, showBar bool) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return fmt.Errorf("%w: delta %v", ErrInvalidVolume, delta)
	}

	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		c.logger.Warn("adjust volume rejected", "delta", delta, "error", err)
		return err
	}
	defer release()

	var changed bool
	if c.mode.Multiroom() {
		changed, err = c.shiftClientsLocked(opCtx, delta, nil)
	} else {
		c.mu.RLock()
		target := ClampDisplay(c.directPrecise + delta)
		c.mu.RUnlock()
		changed, err = c.moveDirectLocked(opCtx, target)
	}
	if err != nil {
		c.logger.Warn("adjust volume failed", "delta", delta, "error", err)
		return err
	}
	if changed {
		c.afterChange(showBar)
	}
	return nil
}

// Step adjusts by a number of configured steps: the rotary step when fine is
// set, the mobile step otherwise.
func (c *Coordinator) Step(ctx context.Context, steps int, fine bool, showBar bool) error {
	s := c.cfg.Current().Steps
	size := s.Mobile
	if fine {
		size = s.Rotary
	}
	return c.AdjustDisplayVolume(ctx, float64(steps)*size, showBar)
}

// moveDirectLocked writes target to the direct output unless it is already
// there. Reaching a boundary is a successful no-op.
func (c *Coordinator) moveDirectLocked(ctx context.Context, target float64) (bool, error) {
	c.mu.RLock()
	cur := c.directPrecise
	c.mu.RUnlock()
	if target == cur {
		return false, nil
	}
	if err := c.applyDirectLocked(ctx, target); err != nil {
		return false, err
	}
	return true, nil
}

// applyDirectLocked writes target unconditionally and commits it on success.
func (c *Coordinator) applyDirectLocked(ctx context.Context, target float64) error {
	if c.direct == nil {
		return ErrNoOutput
	}
	db := RoundDevice(c.conv.ToDevice(target))
	if err := c.direct.SetVolume(ctx, db); err != nil {
		return fmt.Errorf("direct output set %.1f dB: %w", db, err)
	}
	if err := committable(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.directPrecise = target
	c.global = target
	c.mu.Unlock()

	c.logger.Debug("direct volume applied", "display", target, "db", db)
	return nil
}

// afterChange persists the observed display volume and schedules a broadcast.
func (c *Coordinator) afterChange(showBar bool) {
	c.store.Save(c.DisplayVolume(), c.cfg.Current().Startup.RestoreLastVolume)
	c.scheduleBroadcast(showBar)
}

type staticMode bool

func (m staticMode) Multiroom() bool { return bool(m) }

// discardQueue stands in when no pending queue is wired.
type discardQueue struct {
	logger *slog.Logger
}

func (q discardQueue) Queue(_ context.Context, clientID, kind string, _ any) error {
	q.logger.Warn("no pending queue; dropping client setting", "client", clientID, "kind", kind)
	return errors.New("no pending queue")
}

func (discardQueue) Replay(context.Context, string, func(string, []byte) error) (int, error) {
	return 0, nil
}
