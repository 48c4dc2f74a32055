package alsa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
)

const sgetOutput = `Simple mixer control 'Digital',0
  Capabilities: pvolume
  Playback channels: Front Left - Front Right
  Limits: Playback 0 - 207
  Mono:
  Front Left: Playback 147 [71%] [-30.00dB]
  Front Right: Playback 147 [71%] [-30.00dB]
`

func TestParseLevel(t *testing.T) {
	db, err := ParseLevel([]byte(sgetOutput))
	if err != nil {
		t.Fatalf("ParseLevel: %v", err)
	}
	if db != -30 {
		t.Fatalf("db = %v, want -30", db)
	}

	db, err = ParseLevel([]byte("Mono: Playback 255 [100%] [0.00dB] [on]"))
	if err != nil || db != 0 {
		t.Fatalf("ParseLevel = %v, %v; want 0", db, err)
	}

	if _, err := ParseLevel([]byte("Mono: Playback 12 [5%]")); !errors.Is(err, ErrNoLevel) {
		t.Fatalf("err = %v, want ErrNoLevel", err)
	}
}

func TestMixer_Commands(t *testing.T) {
	var got [][]string
	m := &Mixer{
		card:    "1",
		control: "Digital",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		run: func(_ context.Context, args ...string) ([]byte, error) {
			got = append(got, args)
			return []byte(sgetOutput), nil
		},
	}
	ctx := context.Background()

	if err := m.SetVolume(ctx, -42.5); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetVolume(ctx); err != nil {
		t.Fatal(err)
	}

	want := [][]string{
		{"-c", "1", "-q", "--", "sset", "Digital", "-42.5dB"},
		{"-c", "1", "sget", "Digital"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("amixer calls = %v, want %v", got, want)
	}
}

func TestMixer_RunErrorPropagates(t *testing.T) {
	m := &Mixer{
		control: "Master",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		run: func(context.Context, ...string) ([]byte, error) {
			return nil, errors.New("exit status 1")
		},
	}
	if err := m.SetVolume(context.Background(), -10); err == nil {
		t.Fatalf("expected error")
	}
}
