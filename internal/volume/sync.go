package volume

import (
	"context"
	"fmt"
	"time"
)

// syncClientsLocked refreshes client state from a fresh discovery snapshot.
// Departed clients are pruned. Levels are read from each client's DSP, not
// from the plane, and are adopted for known clients only while no local
// adjustment is in flight. Newcomers are either adopted
// as reported (startup) or get their queued settings replayed and are
// otherwise seeded like any joining client.
func (c *Coordinator) syncClientsLocked(ctx context.Context, adopt bool) error {
	infos, err := c.discover(ctx, true)
	if err != nil {
		return err
	}

	c.mu.Lock()
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
	quiet := c.adjusting.Load() == 0
	var levels map[string]float64
	if adopt || quiet {
		c.mu.Unlock()
		levels = c.readLevels(ctx, infos)
		c.mu.Lock()
	}
	for _, info := range infos {
		st, ok := c.clients[info.ID]
		if !ok {
			if adopt {
				db, read := levels[info.ID]
				if !read {
					db = info.VolumeDB
				}
				c.clients[info.ID] = &clientState{
					ID:      info.ID,
					Address: info.Address,
					Precise: c.conv.ToDisplay(db),
					Muted:   info.Muted,
				}
				continue
			}
			newcomers = append(newcomers, info)
			continue
		}
		st.Address = info.Address
		st.Muted = info.Muted
		db, read := levels[info.ID]
		if !quiet || !read {
			continue
		}
		reported := c.conv.ToDisplay(db)
		if RoundDisplay(reported) != RoundDisplay(st.Precise) {
			c.logger.Debug("client volume changed externally", "client", info.ID, "from", st.Precise, "to", reported)
			st.Precise = reported
		}
	}
	c.mu.Unlock()

	for _, info := range newcomers {
		if err := c.admitLocked(ctx, info); err != nil {
			c.logger.Warn("admit client failed", "client", info.ID, "error", err)
		}
	}
	if err := committable(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if adopt && len(c.clients) > 0 {
		c.global = c.averageLocked()
	}
	c.recomputeOffsetsLocked()
	c.mu.Unlock()
	return nil
}

// admitLocked brings a newly seen client up to date: queued settings win over
// the join seed. A client with no queued volume is seeded like any joiner.
func (c *Coordinator) admitLocked(ctx context.Context, info ClientInfo) error {
	muted := info.Muted
	n, err := c.pending.Replay(ctx, info.ID, c.applyPendingLocked(ctx, info.ID, info.Address, &muted))
	if err != nil {
		c.logger.Warn("replay pending settings failed", "client", info.ID, "applied", n, "error", err)
	}
	if n > 0 {
		c.logger.Info("replayed pending settings", "client", info.ID, "count", n)
	}

	c.mu.RLock()
	_, tracked := c.clients[info.ID]
	c.mu.RUnlock()
	if !tracked {
		if err := c.joinClientLocked(ctx, info.ID, info.Address); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if st, ok := c.clients[info.ID]; ok {
		st.Address = info.Address
		st.Muted = muted
	}
	c.mu.Unlock()
	return nil
}

// SyncClientsFromPlane pulls the client list and volumes from the plane.
func (c *Coordinator) SyncClientsFromPlane(ctx context.Context) error {
	if !c.mode.Multiroom() {
		return nil
	}
	opCtx, release, err := c.begin(ctx, false)
	if err != nil {
		return err
	}
	defer release()

	before := c.DisplayVolume()
	if err := c.syncClientsLocked(opCtx, false); err != nil {
		return err
	}
	if c.DisplayVolume() != before {
		c.scheduleBroadcast(false)
	}
	return nil
}

// SyncClientVolumeFromPlane adopts a volume the plane reports for one client,
// such as a change made in a Snapcast UI, and writes it to the client's DSP.
// Reports arriving while a local adjustment is in flight are treated as
// echoes of our own writes and ignored.
func (c *Coordinator) SyncClientVolumeFromPlane(ctx context.Context, id string, db float64) error {
	if isNonFinite(db) {
		return fmt.Errorf("%w: plane reported %v", ErrInvalidVolume, db)
	}
	if c.adjusting.Load() > 0 {
		return nil
	}
	if c.endpoint == nil {
		return ErrNoOutput
	}
	opCtx, release, err := c.begin(ctx, false)
	if err != nil {
		return err
	}
	defer release()
	// An operation that held the lock meanwhile may still be echoing.
	if c.adjusting.Load() > 0 {
		return nil
	}

	c.mu.RLock()
	st, ok := c.clients[id]
	var w clientWrite
	if ok {
		w = clientWrite{id: id, address: st.Address, from: st.Precise, to: c.conv.ToDisplay(c.conv.ClampDevice(db))}
	}
	c.mu.RUnlock()
	if !ok || RoundDisplay(w.to) == RoundDisplay(w.from) {
		return nil
	}

	target := RoundDevice(c.conv.ToDevice(w.to))
	if err := c.endpoint.SetVolume(opCtx, w.address, target); err != nil {
		c.logger.Warn("client volume write failed; queueing", "client", id, "address", w.address, "db", target, "error", err)
		if qerr := c.pending.Queue(opCtx, id, KindVolume, PendingVolume{VolumeDB: target, Display: w.to}); qerr != nil {
			return fmt.Errorf("apply plane volume to client %s: %w", id, err)
		}
		return nil
	}
	if err := committable(opCtx); err != nil {
		return err
	}

	c.mu.Lock()
	if st, ok := c.clients[id]; ok {
		st.Precise = w.to
		st.Offset = w.to - c.global
	}
	c.mu.Unlock()

	c.logger.Debug("client volume reported by plane", "client", id, "db", target)
	c.invalidateClientCache()
	c.scheduleBroadcast(false)
	return nil
}

// SyncClientMuteFromPlane records a mute change reported by the plane.
func (c *Coordinator) SyncClientMuteFromPlane(id string, muted bool) {
	c.mu.Lock()
	st, ok := c.clients[id]
	if !ok || st.Muted == muted {
		c.mu.Unlock()
		return
	}
	st.Muted = muted
	c.mu.Unlock()

	c.invalidateClientCache()
	c.scheduleBroadcast(false)
}

// SyncDirectFromDevice reads the direct output and adopts its level when it
// differs at device resolution.
func (c *Coordinator) SyncDirectFromDevice(ctx context.Context) error {
	if c.mode.Multiroom() || c.direct == nil || c.adjusting.Load() > 0 {
		return nil
	}
	opCtx, release, err := c.begin(ctx, false)
	if err != nil {
		return err
	}
	defer release()

	db, err := c.direct.GetVolume(opCtx)
	if err != nil {
		return fmt.Errorf("read direct output: %w", err)
	}
	if isNonFinite(db) {
		return fmt.Errorf("%w: device reported %v", ErrInvalidVolume, db)
	}

	c.mu.Lock()
	cur := RoundDevice(c.conv.ToDevice(c.directPrecise))
	if RoundDevice(db) == cur {
		c.mu.Unlock()
		return nil
	}
	next := c.conv.ToDisplay(db)
	c.directPrecise = next
	c.global = next
	c.mu.Unlock()

	c.logger.Debug("direct volume changed externally", "db", db, "display", next)
	c.scheduleBroadcast(false)
	return nil
}

// Run periodically reconciles with the active output until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if c.mode.Multiroom() {
				err = c.SyncClientsFromPlane(ctx)
			} else {
				err = c.SyncDirectFromDevice(ctx)
			}
			if err != nil {
				c.logger.Debug("periodic sync failed", "error", err)
			}
		}
	}
}

// AverageVolumeDB returns the mean of non-muted clients in dB, or the direct
// output level in direct mode. ok is false when there is nothing to average.
func (c *Coordinator) AverageVolumeDB() (float64, bool) {
	multiroom := c.mode.Multiroom()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !multiroom {
		return RoundDevice(c.conv.ToDevice(c.directPrecise)), true
	}
	var sum float64
	var n int
	for _, st := range c.clients {
		if st.Muted {
			continue
		}
		sum += c.conv.ToDevice(st.Precise)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return RoundDevice(sum / float64(n)), true
}
