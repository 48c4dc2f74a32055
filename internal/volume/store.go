package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxAge is how long a persisted volume stays eligible for restore.
const DefaultMaxAge = 7 * 24 * time.Hour

// storedVolume is the on-disk record.
type storedVolume struct {
	Volume    int       `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists the last applied display volume.
//
// Writes are asynchronous and coalesce into a single pending slot: only the
// latest value is ever written, by at most one background writer at a time.
type Store struct {
	path   string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending *storedVolume
	writing bool
	idle    chan struct{} // closed when the current writer exits
}

// NewStore returns a store writing to path. maxAge <= 0 selects DefaultMaxAge.
func NewStore(path string, maxAge time.Duration, logger *slog.Logger) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{
		path:   path,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// Save enqueues value for writing. It never blocks on disk I/O.
func (s *Store) Save(value int, enabled bool) {
	if !enabled || s.path == "" {
		return
	}
	rec := storedVolume{Volume: value, Timestamp: s.now().UTC()}

	s.mu.Lock()
	s.pending = &rec
	if s.writing {
		s.mu.Unlock()
		return
	}
	s.writing = true
	idle := make(chan struct{})
	s.idle = idle
	s.mu.Unlock()

	go s.drain(idle)
}

func (s *Store) drain(idle chan struct{}) {
	defer close(idle)
	for {
		s.mu.Lock()
		rec := s.pending
		s.pending = nil
		if rec == nil {
			s.writing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.write(*rec); err != nil {
			s.logger.Warn("persist volume failed", "path", s.path, "error", err)
		}
	}
}

func (s *Store) write(rec storedVolume) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}

	s.logger.Debug("volume persisted", "volume", rec.Volume, "path", s.path)
	return nil
}

// Load returns the persisted volume when it exists, parses, lies in [0, 100]
// and is younger than the max age.
func (s *Store) Load() (int, bool) {
	if s.path == "" {
		return 0, false
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read persisted volume failed", "path", s.path, "error", err)
		}
		return 0, false
	}

	var rec storedVolume
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("persisted volume corrupt", "path", s.path, "error", err)
		return 0, false
	}
	if rec.Volume < 0 || rec.Volume > 100 {
		s.logger.Warn("persisted volume out of range", "volume", rec.Volume)
		return 0, false
	}
	if rec.Timestamp.IsZero() {
		return 0, false
	}
	age := s.now().Sub(rec.Timestamp)
	if age < 0 {
		s.logger.Warn("persisted volume timestamp in the future", "volume", rec.Volume, "timestamp", rec.Timestamp)
		return 0, false
	}
	if age > s.maxAge {
		s.logger.Info("persisted volume expired", "volume", rec.Volume, "age", age.Round(time.Minute))
		return 0, false
	}
	return rec.Volume, true
}

// StartupVolume returns the persisted volume when restore is enabled and the
// record is valid, otherwise def.
func (s *Store) StartupVolume(def int, restore bool) int {
	if !restore {
		return def
	}
	if v, ok := s.Load(); ok {
		return v
	}
	return def
}

// Flush waits for any pending or in-flight write to finish.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	writing, idle := s.writing, s.idle
	s.mu.Unlock()
	if !writing {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush volume store: %w", ctx.Err())
	}
}
