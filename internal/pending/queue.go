// Package pending keeps settings that could not be delivered to a multiroom
// client, in SQLite, until the client is seen again.
package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one queued setting. Only the latest entry per (client, kind) is
// kept.
type Entry struct {
	ID       string
	ClientID string
	Kind     string
	Payload  []byte
	QueuedAt time.Time
	Attempts int
}

// Queue is a SQLite-backed pending-settings queue.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Open opens (or creates) the queue database at path. ":memory:" is accepted.
func Open(path string, logger *slog.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pending db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS pending_settings (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			queued_at  INTEGER NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			UNIQUE(client_id, kind)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init pending db: %w", err)
		}
	}
	return &Queue{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Queue stores payload for clientID, replacing any earlier entry of the same
// kind.
func (q *Queue) Queue(ctx context.Context, clientID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal pending %s: %w", kind, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err = q.db.ExecContext(ctx, `INSERT INTO pending_settings (id, client_id, kind, payload, queued_at, attempts)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(client_id, kind) DO UPDATE SET
			payload=excluded.payload,
			queued_at=excluded.queued_at,
			attempts=0`,
		uuid.NewString(), clientID, kind, string(data), q.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("queue pending %s for %s: %w", kind, clientID, err)
	}
	q.logger.Debug("pending setting queued", "client", clientID, "kind", kind)
	return nil
}

// Entries lists the queued entries of clientID, oldest first.
func (q *Queue) Entries(ctx context.Context, clientID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries(ctx, clientID)
}

func (q *Queue) entries(ctx context.Context, clientID string) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, client_id, kind, payload, queued_at, attempts
		FROM pending_settings WHERE client_id = ? ORDER BY queued_at, kind`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		var queuedAt int64
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Kind, &payload, &queuedAt, &e.Attempts); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.QueuedAt = time.UnixMilli(queuedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Replay hands each queued entry of clientID to apply, oldest first. Applied
// entries are removed. The first failure bumps that entry's attempt count
// and stops the replay; the remaining entries stay queued.
func (q *Queue) Replay(ctx context.Context, clientID string, apply func(kind string, payload []byte) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.entries(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("load pending for %s: %w", clientID, err)
	}

	applied := 0
	for _, e := range entries {
		if err := apply(e.Kind, e.Payload); err != nil {
			if _, uerr := q.db.ExecContext(ctx, `UPDATE pending_settings SET attempts = attempts + 1 WHERE id = ?`, e.ID); uerr != nil {
				q.logger.Warn("bump pending attempts failed", "id", e.ID, "error", uerr)
			}
			return applied, fmt.Errorf("replay %s for %s: %w", e.Kind, clientID, err)
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_settings WHERE id = ?`, e.ID); err != nil {
			return applied, fmt.Errorf("delete replayed entry: %w", err)
		}
		applied++
	}
	return applied, nil
}

// Prune drops entries queued before now-maxAge and returns how many.
func (q *Queue) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge).UnixMilli()
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_settings WHERE queued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	return res.RowsAffected()
}

// Len returns the total number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_settings`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
