package main

import (
	"fmt"
	"sync/atomic"

	"multivol/internal/config"
)

// routingMode is the live output routing. It answers the coordinator's
// Multiroom question and is flipped by the API.
type routingMode struct {
	multiroom atomic.Bool
}

func newRoutingMode(mode string) (*routingMode, error) {
	r := &routingMode{}
	if err := r.Set(mode); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *routingMode) Multiroom() bool { return r.multiroom.Load() }

// Set switches the mode.
func (r *routingMode) Set(mode string) error {
	switch mode {
	case config.RoutingDirect:
		r.multiroom.Store(false)
	case config.RoutingMultiroom:
		r.multiroom.Store(true)
	default:
		return fmt.Errorf("unknown routing mode %q", mode)
	}
	return nil
}

func (r *routingMode) String() string {
	if r.Multiroom() {
		return config.RoutingMultiroom
	}
	return config.RoutingDirect
}
