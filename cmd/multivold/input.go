package main

import (
	"context"
	"log/slog"
	"os"
)

// inputEvent mirrors struct input_event from <linux/input.h>:
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// stepper is the slice of the coordinator that physical input drives.
type stepper interface {
	Step(ctx context.Context, steps int, fine bool, showBar bool) error
}

// inputHandler turns raw input events into fine volume steps.
type inputHandler struct {
	coord  stepper
	rotary *rotaryState
	logger *slog.Logger
}

// steps returns the signed fine-step count for ev, or 0 if ev is not a
// volume control.
func (h *inputHandler) steps(ev inputEvent) int {
	switch ev.Type {
	case EV_REL:
		if ev.Code == REL_DIAL || ev.Code == REL_WHEEL {
			return h.rotary.scale(ev.Value)
		}
	case EV_KEY:
		if ev.Value != evValuePress && ev.Value != evValueRepeat {
			return 0
		}
		switch ev.Code {
		case KEY_VOLUMEUP:
			return 1
		case KEY_VOLUMEDOWN:
			return -1
		}
	}
	return 0
}

func (h *inputHandler) handle(ctx context.Context, ev inputEvent) {
	n := h.steps(ev)
	if n == 0 {
		return
	}
	if err := h.coord.Step(ctx, n, true, true); err != nil {
		h.logger.Warn("input volume step failed", "steps", n, "error", err)
	}
}

// runInput opens devices and feeds their events to h until ctx is done or
// a device fails.
func runInput(ctx context.Context, devices []string, h *inputHandler, logger *slog.Logger) error {
	files := make([]*os.File, 0, len(devices))
	for _, dev := range devices {
		f, err := os.Open(dev)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			logger.Error("failed to open input device", "device", dev, "error", err, "tip", "run as root or add user to 'input' group")
			return err
		}
		files = append(files, f)
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	events := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	go readInputEvents(files, events, readErr)

	logger.Info("reading input devices", "devices", devices)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case ev := <-events:
			h.handle(ctx, ev)
		}
	}
}
