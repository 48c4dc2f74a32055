package pending

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "pending.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

type volumePayload struct {
	VolumeDB float64 `json:"volume_db"`
}

func TestQueue_LatestPerKindWins(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	if err := q.Queue(ctx, "kitchen", "volume", volumePayload{-40}); err != nil {
		t.Fatal(err)
	}
	if err := q.Queue(ctx, "kitchen", "volume", volumePayload{-35}); err != nil {
		t.Fatal(err)
	}
	if err := q.Queue(ctx, "kitchen", "mute", map[string]bool{"muted": true}); err != nil {
		t.Fatal(err)
	}

	entries, err := q.Entries(ctx, "kitchen")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Kind == "volume" && string(e.Payload) != `{"volume_db":-35}` {
			t.Fatalf("volume payload = %s, want latest", e.Payload)
		}
	}
}

func TestQueue_ReplayRemovesApplied(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	q.Queue(ctx, "kitchen", "volume", volumePayload{-35})
	q.Queue(ctx, "study", "volume", volumePayload{-20})

	var kinds []string
	n, err := q.Replay(ctx, "kitchen", func(kind string, payload []byte) error {
		kinds = append(kinds, kind)
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("Replay = %d, %v; want 1", n, err)
	}
	if len(kinds) != 1 || kinds[0] != "volume" {
		t.Fatalf("applied kinds = %v", kinds)
	}

	left, _ := q.Entries(ctx, "kitchen")
	if len(left) != 0 {
		t.Fatalf("kitchen still has %d entries", len(left))
	}
	if total, _ := q.Len(ctx); total != 1 {
		t.Fatalf("Len = %d, want 1 (study untouched)", total)
	}
}

func TestQueue_ReplayFailureKeepsEntry(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	q.Queue(ctx, "kitchen", "volume", volumePayload{-35})

	n, err := q.Replay(ctx, "kitchen", func(string, []byte) error {
		return errors.New("still unreachable")
	})
	if err == nil || n != 0 {
		t.Fatalf("Replay = %d, %v; want failure", n, err)
	}
	entries, _ := q.Entries(ctx, "kitchen")
	if len(entries) != 1 || entries[0].Attempts != 1 {
		t.Fatalf("entries = %+v, want one entry with 1 attempt", entries)
	}
}

func TestQueue_Prune(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base.Add(-48 * time.Hour) }
	q.Queue(ctx, "old", "volume", volumePayload{-50})
	q.now = func() time.Time { return base }
	q.Queue(ctx, "fresh", "volume", volumePayload{-10})

	n, err := q.Prune(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	if total, _ := q.Len(ctx); total != 1 {
		t.Fatalf("Len = %d after prune", total)
	}
}
