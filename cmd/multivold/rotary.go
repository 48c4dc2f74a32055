package main

import (
	"sync"
	"time"
)

// rotaryState tracks recent encoder detents to detect fast spinning.
// Safe for concurrent use by several input readers.
type rotaryState struct {
	window    time.Duration
	threshold int
	mult      int
	now       func() time.Time

	mu          sync.Mutex
	recentSteps []rotaryStep
}

type rotaryStep struct {
	timestamp time.Time
	direction int // +1 up, -1 down
}

func newRotaryState(window time.Duration, threshold, mult int) *rotaryState {
	return &rotaryState{
		window:      window,
		threshold:   threshold,
		mult:        mult,
		now:         time.Now,
		recentSteps: make([]rotaryStep, 0, 16),
	}
}

// addStep records one detent and returns how many detents in the same
// direction fall inside the window, this one included.
func (r *rotaryState) addStep(direction int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	filtered := r.recentSteps[:0]
	for _, s := range r.recentSteps {
		if s.timestamp.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	filtered = append(filtered, rotaryStep{timestamp: now, direction: direction})
	r.recentSteps = filtered

	sameDir := 0
	for _, s := range filtered {
		if s.direction == direction {
			sameDir++
		}
	}
	return sameDir
}

// scale converts a raw encoder movement into fine steps, multiplied while
// the encoder is spinning fast.
func (r *rotaryState) scale(value int32) int {
	if value == 0 {
		return 0
	}
	dir := 1
	if value < 0 {
		dir = -1
	}
	steps := int(value)
	if r.addStep(dir) >= r.threshold {
		steps *= r.mult
	}
	return steps
}
