package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pending setting kinds.
const (
	KindVolume = "volume"
	KindMute   = "mute"
)

// PendingVolume is the payload queued for an unreachable client.
type PendingVolume struct {
	VolumeDB float64 `json:"volume_db"`
	Display  float64 `json:"display"`
}

// PendingMute is the payload queued when a mute change could not be applied.
type PendingMute struct {
	Muted bool `json:"muted"`
}

// clientWrite is one planned per-client volume change.
type clientWrite struct {
	id      string
	address string
	from    float64
	to      float64
}

type writeResult struct {
	clientWrite
	err    error
	queued bool
}

// discover returns the client snapshot, served from a short-lived cache unless
// fresh is set.
func (c *Coordinator) discover(ctx context.Context, fresh bool) ([]ClientInfo, error) {
	if c.plane == nil || c.endpoint == nil {
		return nil, ErrNoOutput
	}

	c.cacheMu.Lock()
	if !fresh && c.cacheList != nil && time.Since(c.cacheAt) < c.opts.ClientCacheTTL {
		list := c.cacheList
		c.cacheMu.Unlock()
		return list, nil
	}
	c.cacheMu.Unlock()

	list, err := c.plane.Clients(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover clients: %w", err)
	}

	c.cacheMu.Lock()
	c.cacheList = list
	c.cacheAt = time.Now()
	c.cacheMu.Unlock()
	return list, nil
}

// InvalidateCaches drops the client snapshot cache and all per-client state.
func (c *Coordinator) InvalidateCaches() {
	c.cacheMu.Lock()
	c.cacheList = nil
	c.cacheAt = time.Time{}
	c.cacheMu.Unlock()

	c.mu.Lock()
	c.clients = make(map[string]*clientState)
	c.mu.Unlock()
}

func (c *Coordinator) invalidateClientCache() {
	c.cacheMu.Lock()
	c.cacheList = nil
	c.cacheMu.Unlock()
}

// averageLocked is the mean precise volume of non-muted clients, or the
// global reference when there are none. Caller holds mu.
func (c *Coordinator) averageLocked() float64 {
	var sum float64
	var n int
	for _, st := range c.clients {
		if st.Muted {
			continue
		}
		sum += st.Precise
		n++
	}
	if n == 0 {
		return c.global
	}
	return sum / float64(n)
}

// seedLocked is the volume a joining client starts at: the mean of all
// existing clients, or the configured startup volume for the first one.
func (c *Coordinator) seedLocked(excluding string) float64 {
	var sum float64
	var n int
	for id, st := range c.clients {
		if id == excluding {
			continue
		}
		sum += st.Precise
		n++
	}
	if n == 0 {
		return float64(c.cfg.Current().Startup.Volume)
	}
	return sum / float64(n)
}

func (c *Coordinator) recomputeOffsetsLocked() {
	for _, st := range c.clients {
		st.Offset = st.Precise - c.global
	}
}

// reconcileLocked aligns the client map with a discovery snapshot: absent
// clients are pruned and known ones refreshed. Unseen clients are returned
// for admission. Caller holds mu.
func (c *Coordinator) reconcileLocked(infos []ClientInfo) []ClientInfo {
	present := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		present[info.ID] = struct{}{}
	}
	for id := range c.clients {
		if _, ok := present[id]; !ok {
			c.logger.Info("client left; dropping state", "client", id)
			delete(c.clients, id)
		}
	}
	var newcomers []ClientInfo
	for _, info := range infos {
		st, ok := c.clients[info.ID]
		if !ok {
			newcomers = append(newcomers, info)
			continue
		}
		st.Address = info.Address
		st.Muted = info.Muted
	}
	return newcomers
}

// trackLocked reconciles the client map with infos and admits newcomers, so
// a returning client gets its queued settings before anything else moves it.
func (c *Coordinator) trackLocked(ctx context.Context, infos []ClientInfo) {
	c.mu.Lock()
	newcomers := c.reconcileLocked(infos)
	c.mu.Unlock()

	for _, info := range newcomers {
		if err := c.admitLocked(ctx, info); err != nil {
			c.logger.Warn("admit client failed", "client", info.ID, "error", err)
		}
	}
}

// shiftClientsLocked applies a uniform delta to every client. When absolute is
// set, the delta is taken from the current average instead. It reports whether
// anything changed; no client being able to move is a successful no-op.
func (c *Coordinator) shiftClientsLocked(ctx context.Context, delta float64, absolute *float64) (bool, error) {
	infos, err := c.discover(ctx, false)
	if err != nil {
		return false, err
	}
	c.trackLocked(ctx, infos)

	c.mu.Lock()
	if absolute != nil {
		delta = *absolute - c.averageLocked()
	}
	if len(c.clients) == 0 {
		prev := c.global
		if absolute != nil {
			c.global = *absolute
		} else {
			c.global = ClampDisplay(c.global + delta)
		}
		changed := c.global != prev
		c.mu.Unlock()
		return changed, nil
	}

	var plan []clientWrite
	for _, info := range infos {
		st, ok := c.clients[info.ID]
		if !ok {
			continue
		}
		next := ClampDisplay(st.Precise + delta)
		if next == st.Precise {
			continue
		}
		plan = append(plan, clientWrite{id: st.ID, address: st.Address, from: st.Precise, to: next})
	}
	c.mu.Unlock()

	if len(plan) == 0 {
		c.logger.Debug("no client can move further", "delta", delta)
		return false, nil
	}

	results := c.fanOut(ctx, plan)
	if err := committable(ctx); err != nil {
		return false, err
	}
	return c.commitShift(results)
}

// commitShift stores successful writes, moves the global reference to the
// mean of the clients that changed and re-derives every offset from the
// actual post-write volumes.
func (c *Coordinator) commitShift(results []writeResult) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum float64
	var moved, queued int
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if r.queued {
				queued++
			} else if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if st, ok := c.clients[r.id]; ok {
			st.Precise = r.to
		}
		sum += r.to
		moved++
	}
	if moved > 0 {
		c.global = sum / float64(moved)
	}
	c.recomputeOffsetsLocked()

	if moved == 0 && queued == 0 {
		return false, fmt.Errorf("%w: %v", ErrAllWritesFailed, firstErr)
	}
	return moved > 0, nil
}

// fanOut issues all writes concurrently and waits for every one of them.
// A failing client never aborts the others.
func (c *Coordinator) fanOut(ctx context.Context, plan []clientWrite) []writeResult {
	results := make([]writeResult, len(plan))
	var g errgroup.Group
	for i, w := range plan {
		g.Go(func() error {
			results[i] = c.writeClient(ctx, w)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// readLevels asks every client's DSP for its level. The DSP does the
// attenuation, so its value wins over the plane's mirror. Clients whose DSP
// cannot be read are left out.
func (c *Coordinator) readLevels(ctx context.Context, infos []ClientInfo) map[string]float64 {
	dbs := make([]float64, len(infos))
	read := make([]bool, len(infos))
	var g errgroup.Group
	for i, info := range infos {
		g.Go(func() error {
			db, err := c.endpoint.GetVolume(ctx, info.Address)
			if err != nil || isNonFinite(db) {
				c.logger.Debug("client level unreadable", "client", info.ID, "address", info.Address, "error", err)
				return nil
			}
			dbs[i], read[i] = db, true
			return nil
		})
	}
	_ = g.Wait()

	levels := make(map[string]float64, len(infos))
	for i, info := range infos {
		if read[i] {
			levels[info.ID] = dbs[i]
		}
	}
	return levels
}

func (c *Coordinator) writeClient(ctx context.Context, w clientWrite) writeResult {
	res := writeResult{clientWrite: w}
	db := RoundDevice(c.conv.ToDevice(w.to))

	if err := c.endpoint.SetVolume(ctx, w.address, db); err != nil {
		res.err = err
		c.logger.Warn("client volume write failed; queueing", "client", w.id, "address", w.address, "db", db, "error", err)
		if qerr := c.pending.Queue(ctx, w.id, KindVolume, PendingVolume{VolumeDB: db, Display: w.to}); qerr != nil {
			c.logger.Error("queue pending volume failed", "client", w.id, "error", qerr)
		} else {
			res.queued = true
		}
		return res
	}

	// Mirror onto the distribution plane so its own UIs stay in step.
	if err := c.plane.SetClientVolume(ctx, w.id, db); err != nil {
		c.logger.Debug("plane volume mirror failed", "client", w.id, "error", err)
	}
	c.logger.Debug("client volume applied", "client", w.id, "display", w.to, "db", db)
	return res
}

// InitializeNewClientVolume seeds a newly joined client to the mean of the
// existing clients (or the startup volume when it is the first) and writes it.
func (c *Coordinator) InitializeNewClientVolume(ctx context.Context, id, address string) error {
	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	c.mu.RLock()
	_, known := c.clients[id]
	c.mu.RUnlock()
	if known {
		return nil
	}

	if err := c.joinClientLocked(opCtx, id, address); err != nil {
		c.logger.Warn("initialize client volume failed", "client", id, "error", err)
		return err
	}
	c.invalidateClientCache()
	c.afterChange(false)
	return nil
}

// joinClientLocked seeds and writes one client. A failed write is queued and
// the client is still tracked at its seed volume.
func (c *Coordinator) joinClientLocked(ctx context.Context, id, address string) error {
	if c.endpoint == nil {
		return ErrNoOutput
	}

	c.mu.RLock()
	seed := c.seedLocked(id)
	c.mu.RUnlock()

	res := c.writeClient(ctx, clientWrite{id: id, address: address, from: seed, to: seed})
	if err := committable(ctx); err != nil {
		return err
	}
	if res.err != nil && !res.queued {
		return fmt.Errorf("seed client %s: %w", id, res.err)
	}

	c.mu.Lock()
	c.clients[id] = &clientState{ID: id, Address: address, Precise: seed, Offset: seed - c.global}
	c.mu.Unlock()

	c.logger.Info("client joined", "client", id, "volume", seed)
	return nil
}

// PushVolumeToAllClients sets every client to value and zeroes their offsets.
func (c *Coordinator) PushVolumeToAllClients(ctx context.Context, value float64) error {
	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	if err := c.pushLocked(opCtx, value); err != nil {
		c.logger.Warn("push volume to clients failed", "volume", value, "error", err)
		return err
	}
	c.afterChange(false)
	return nil
}

func (c *Coordinator) pushLocked(ctx context.Context, value float64) error {
	target := ClampDisplay(value)
	infos, err := c.discover(ctx, true)
	if err != nil {
		return err
	}
	c.trackLocked(ctx, infos)

	c.mu.Lock()
	plan := make([]clientWrite, 0, len(c.clients))
	for _, st := range c.clients {
		plan = append(plan, clientWrite{id: st.ID, address: st.Address, from: st.Precise, to: target})
	}
	c.mu.Unlock()

	results := c.fanOut(ctx, plan)
	if err := committable(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		if r.err != nil {
			continue
		}
		if st, ok := c.clients[r.id]; ok {
			st.Precise = r.to
		}
	}
	c.global = target
	c.recomputeOffsetsLocked()
	return nil
}

// ClientVolume returns one client's rounded display volume.
func (c *Coordinator) ClientVolume(id string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.clients[id]
	if !ok {
		return 0, false
	}
	return RoundDisplay(st.Precise), true
}

// SetClientVolume sets one client's volume; its offset to the global
// reference changes accordingly.
func (c *Coordinator) SetClientVolume(ctx context.Context, id string, value float64, showBar bool) error {
	if isNonFinite(value) {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, value)
	}
	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	infos, err := c.discover(opCtx, false)
	if err != nil {
		return err
	}
	c.trackLocked(opCtx, infos)

	c.mu.Lock()
	st, ok := c.clients[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	w := clientWrite{id: id, address: st.Address, from: st.Precise, to: ClampDisplay(value)}
	c.mu.Unlock()

	if w.to == w.from {
		return nil
	}
	res := c.writeClient(opCtx, w)
	if err := committable(opCtx); err != nil {
		return err
	}
	if res.err != nil {
		if res.queued {
			return nil
		}
		return fmt.Errorf("set client %s volume: %w", id, res.err)
	}

	c.mu.Lock()
	if st, ok := c.clients[id]; ok {
		st.Precise = w.to
		st.Offset = w.to - c.global
	}
	c.mu.Unlock()

	c.afterChange(showBar)
	return nil
}

// SetClientMute mutes or unmutes one client through the plane.
func (c *Coordinator) SetClientMute(ctx context.Context, id string, muted bool) error {
	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	if c.plane == nil {
		return ErrNoOutput
	}
	c.mu.RLock()
	_, ok := c.clients[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	if err := c.plane.SetClientMute(opCtx, id, muted); err != nil {
		c.logger.Warn("client mute failed; queueing", "client", id, "muted", muted, "error", err)
		if qerr := c.pending.Queue(opCtx, id, KindMute, PendingMute{Muted: muted}); qerr != nil {
			return fmt.Errorf("set client %s mute: %w", id, err)
		}
		return nil
	}
	if err := committable(opCtx); err != nil {
		return err
	}

	c.mu.Lock()
	if st, ok := c.clients[id]; ok {
		st.Muted = muted
	}
	c.mu.Unlock()
	c.invalidateClientCache()
	c.afterChange(false)
	return nil
}

// ModeChanged resets per-mode caches after the routing flag flipped. Entering
// multiroom pushes the current direct volume to every client for parity;
// leaving it carries the client average over to the direct output.
func (c *Coordinator) ModeChanged(ctx context.Context) error {
	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	c.mu.RLock()
	direct := c.directPrecise
	avg := c.averageLocked()
	c.mu.RUnlock()

	c.InvalidateCaches()

	if c.mode.Multiroom() {
		c.logger.Info("multiroom enabled; pushing volume to clients", "volume", direct)
		err = c.pushLocked(opCtx, direct)
	} else {
		c.logger.Info("multiroom disabled; applying volume locally", "volume", avg)
		err = c.applyDirectLocked(opCtx, avg)
	}
	if err != nil {
		return err
	}
	c.afterChange(false)
	return nil
}

// applyPendingLocked replays one queued setting for a returning client. A
// replayed mute flag is reported through muted.
func (c *Coordinator) applyPendingLocked(ctx context.Context, id, address string, muted *bool) func(kind string, payload []byte) error {
	return func(kind string, payload []byte) error {
		switch kind {
		case KindVolume:
			var p PendingVolume
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("decode pending volume: %w", err)
			}
			if err := c.endpoint.SetVolume(ctx, address, p.VolumeDB); err != nil {
				return err
			}
			c.mu.Lock()
			if st, ok := c.clients[id]; ok {
				st.Precise = ClampDisplay(c.conv.ToDisplay(p.VolumeDB))
			} else {
				c.clients[id] = &clientState{ID: id, Address: address, Precise: ClampDisplay(c.conv.ToDisplay(p.VolumeDB))}
			}
			c.mu.Unlock()
			return nil

		case KindMute:
			var p PendingMute
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("decode pending mute: %w", err)
			}
			if err := c.plane.SetClientMute(ctx, id, p.Muted); err != nil {
				return err
			}
			*muted = p.Muted
			c.mu.Lock()
			if st, ok := c.clients[id]; ok {
				st.Muted = p.Muted
			}
			c.mu.Unlock()
			return nil

		default:
			return fmt.Errorf("unknown pending kind %q", kind)
		}
	}
}

func isNonFinite(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
