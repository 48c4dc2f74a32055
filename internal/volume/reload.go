package volume

import (
	"context"
	"fmt"
)

// ReloadVolumeLimits re-reads the operating band and carries the live volume
// into it. Levels that still fit keep their dB; levels outside the new band
// are re-centered to its midpoint. When the remap fails the previous band is
// restored, so a later reload applies the change again.
func (c *Coordinator) ReloadVolumeLimits(ctx context.Context) error {
	opCtx, release, err := c.begin(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	old, changed := c.cfg.ReloadLimits()
	if !changed {
		return nil
	}
	next := c.cfg.Current().Band
	c.conv.SetBand(next)

	if c.mode.Multiroom() {
		err = c.remapClientsLocked(opCtx, old)
	} else {
		err = c.remapDirectLocked(opCtx, old)
	}
	if err != nil {
		c.conv.SetBand(old)
		c.cfg.RestoreLimits(old)
		c.logger.Warn("apply new volume limits failed; keeping previous limits",
			"min_db", old.MinDB, "max_db", old.MaxDB, "error", err)
		return err
	}
	c.logger.Info("volume limits changed", "old_min_db", old.MinDB, "old_max_db", old.MaxDB,
		"min_db", next.MinDB, "max_db", next.MaxDB)
	c.afterChange(false)
	return nil
}

// remapDirectLocked moves the direct output into the current band. Nothing is
// committed unless the device write succeeds.
func (c *Coordinator) remapDirectLocked(ctx context.Context, old Band) error {
	c.mu.RLock()
	cur := c.directPrecise
	c.mu.RUnlock()

	next, inBand := c.conv.Remap(cur, old)
	if !inBand {
		c.logger.Info("direct volume outside new limits; re-centering", "display", next)
	}
	oldDB := RoundDevice(ToDeviceIn(old, cur))
	newDB := RoundDevice(c.conv.ToDevice(next))
	if oldDB == newDB {
		c.mu.Lock()
		c.directPrecise = next
		c.global = next
		c.mu.Unlock()
		return nil
	}
	return c.applyDirectLocked(ctx, next)
}

// remapClientsLocked moves every client into the current band. Client state
// is only touched once the fan-out finished in time and at least one write
// succeeded or was queued.
func (c *Coordinator) remapClientsLocked(ctx context.Context, old Band) error {
	c.mu.RLock()
	var plan []clientWrite
	remapped := make(map[string]float64, len(c.clients))
	for id, st := range c.clients {
		next, inBand := c.conv.Remap(st.Precise, old)
		if !inBand {
			c.logger.Info("client volume outside new limits; re-centering", "client", id, "display", next)
		}
		remapped[id] = next
		if RoundDevice(ToDeviceIn(old, st.Precise)) != RoundDevice(c.conv.ToDevice(next)) {
			plan = append(plan, clientWrite{id: id, address: st.Address, from: st.Precise, to: next})
		}
	}
	global, _ := c.conv.Remap(c.global, old)
	c.mu.RUnlock()

	var results []writeResult
	if len(plan) > 0 {
		results = c.fanOut(ctx, plan)
		if err := committable(ctx); err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			if r.err != nil && !r.queued {
				failed++
			}
		}
		if failed == len(results) {
			return fmt.Errorf("%w: remap to new limits", ErrAllWritesFailed)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Levels whose dB is unchanged only move in display units.
	for id, next := range remapped {
		if st, ok := c.clients[id]; ok {
			st.Precise = next
		}
	}
	for _, r := range results {
		if r.err != nil && !r.queued {
			if st, ok := c.clients[r.id]; ok {
				st.Precise = ClampDisplay(c.conv.ToDisplay(ToDeviceIn(old, r.from)))
			}
		}
	}
	c.global = global
	if len(results) > 0 {
		c.global = c.averageLocked()
	}
	c.recomputeOffsetsLocked()
	return nil
}

// ReloadStartupConfig re-reads the startup policy. Live volume is untouched.
func (c *Coordinator) ReloadStartupConfig() StartupPolicy {
	prev := c.cfg.ReloadStartup()
	cur := c.cfg.Current().Startup
	if prev != cur {
		c.logger.Info("startup policy changed", "volume", cur.Volume, "restore_last_volume", cur.RestoreLastVolume)
	}
	return cur
}

// ReloadMobileSteps re-reads the step sizes and returns the mobile step.
func (c *Coordinator) ReloadMobileSteps() float64 {
	prev := c.cfg.ReloadSteps()
	cur := c.cfg.Current().Steps
	if prev.Mobile != cur.Mobile {
		c.logger.Info("mobile step changed", "from", prev.Mobile, "to", cur.Mobile)
	}
	return cur.Mobile
}

// ReloadRotarySteps re-reads the step sizes and returns the rotary step.
func (c *Coordinator) ReloadRotarySteps() float64 {
	prev := c.cfg.ReloadSteps()
	cur := c.cfg.Current().Steps
	if prev.Rotary != cur.Rotary {
		c.logger.Info("rotary step changed", "from", prev.Rotary, "to", cur.Rotary)
	}
	return cur.Rotary
}
