// Package alsa drives an ALSA simple mixer control through amixer, in dB.
package alsa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoLevel means amixer output carried no dB reading.
var ErrNoLevel = errors.New("alsa: no dB level in amixer output")

// runFunc executes amixer with args and returns its stdout.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Mixer controls one simple mixer element, e.g. card "0" control "Digital".
type Mixer struct {
	card    string
	control string
	logger  *slog.Logger
	run     runFunc
}

// New resolves amixer on PATH and returns a mixer for card/control.
func New(card, control string, logger *slog.Logger) (*Mixer, error) {
	path, err := exec.LookPath("amixer")
	if err != nil {
		return nil, fmt.Errorf("amixer not found in PATH: %w", err)
	}
	if control == "" {
		return nil, errors.New("alsa: mixer control name is empty")
	}
	return &Mixer{
		card:    card,
		control: control,
		logger:  logger,
		run:     execRunner(path),
	}, nil
}

func execRunner(path string) runFunc {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, path, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return nil, fmt.Errorf("amixer %s: %w: %s", strings.Join(args, " "), err, msg)
			}
			return nil, fmt.Errorf("amixer %s: %w", strings.Join(args, " "), err)
		}
		return stdout.Bytes(), nil
	}
}

func (m *Mixer) baseArgs() []string {
	if m.card == "" {
		return nil
	}
	return []string{"-c", m.card}
}

// GetVolume returns the control level in dB. With several channels the
// first reading is used.
func (m *Mixer) GetVolume(ctx context.Context) (float64, error) {
	out, err := m.run(ctx, append(m.baseArgs(), "sget", m.control)...)
	if err != nil {
		return 0, err
	}
	db, err := ParseLevel(out)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", m.control, err)
	}
	return db, nil
}

// SetVolume sets every channel of the control to db.
func (m *Mixer) SetVolume(ctx context.Context, db float64) error {
	level := strconv.FormatFloat(db, 'f', 1, 64) + "dB"
	// "--" keeps negative levels from being read as flags.
	args := append(m.baseArgs(), "-q", "--", "sset", m.control, level)
	if _, err := m.run(ctx, args...); err != nil {
		return err
	}
	m.logger.Debug("amixer set", "control", m.control, "db", db)
	return nil
}

var levelRe = regexp.MustCompile(`\[(-?\d+(?:\.\d+)?)dB\]`)

// ParseLevel extracts the first "[-12.50dB]" reading from amixer output.
func ParseLevel(out []byte) (float64, error) {
	m := levelRe.FindSubmatch(out)
	if m == nil {
		return 0, ErrNoLevel
	}
	db, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0, fmt.Errorf("parse level %q: %w", m[1], err)
	}
	return db, nil
}
