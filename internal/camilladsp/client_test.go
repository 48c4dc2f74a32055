package camilladsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeCamilla emulates the CamillaDSP websocket command protocol.
type fakeCamilla struct {
	mu       sync.Mutex
	volume   float64
	muted    bool
	failMute bool
}

func (f *fakeCamilla) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		resp := f.answer(msg)
		if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
			return
		}
	}
}

func (f *fakeCamilla) answer(msg []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var bare string
	if json.Unmarshal(msg, &bare) == nil {
		switch bare {
		case "GetVolume":
			return mustJSON(map[string]any{"GetVolume": map[string]any{"result": "Ok", "value": f.volume}})
		case "GetMute":
			return mustJSON(map[string]any{"GetMute": map[string]any{"result": "Ok", "value": f.muted}})
		case "GetState":
			return mustJSON(map[string]any{"GetState": map[string]any{"result": "Ok", "value": "Running"}})
		}
		return mustJSON(map[string]any{bare: map[string]any{"result": "Error"}})
	}

	var cmd map[string]json.RawMessage
	_ = json.Unmarshal(msg, &cmd)
	if raw, ok := cmd["SetVolume"]; ok {
		_ = json.Unmarshal(raw, &f.volume)
		return mustJSON(map[string]any{"SetVolume": map[string]any{"result": "Ok"}})
	}
	if raw, ok := cmd["SetMute"]; ok {
		if f.failMute {
			return mustJSON(map[string]any{"SetMute": map[string]any{"result": "Error"}})
		}
		_ = json.Unmarshal(raw, &f.muted)
		return mustJSON(map[string]any{"SetMute": map[string]any{"result": "Ok"}})
	}
	return mustJSON(map[string]any{"Invalid": map[string]any{"result": "Error"}})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func newTestClient(t *testing.T, f *fakeCamilla) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := New(ctx, wsURL, time.Second, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_VolumeRoundTrip(t *testing.T) {
	f := &fakeCamilla{volume: -30}
	c := newTestClient(t, f)
	ctx := context.Background()

	db, err := c.GetVolume(ctx)
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if db != -30 {
		t.Fatalf("GetVolume = %v, want -30", db)
	}

	if err := c.SetVolume(ctx, -12.5); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if db, _ := c.GetVolume(ctx); db != -12.5 {
		t.Fatalf("GetVolume after set = %v, want -12.5", db)
	}
}

func TestClient_ResultError(t *testing.T) {
	f := &fakeCamilla{failMute: true}
	c := newTestClient(t, f)

	err := c.SetMute(context.Background(), true)
	var re *ResultError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want ResultError", err)
	}
	if re.Command != "SetMute" || re.Result != "Error" {
		t.Fatalf("unexpected ResultError %+v", re)
	}
}

func TestClient_StateAndMute(t *testing.T) {
	f := &fakeCamilla{}
	c := newTestClient(t, f)
	ctx := context.Background()

	state, err := c.GetState(ctx)
	if err != nil || state != "Running" {
		t.Fatalf("GetState = %q, %v", state, err)
	}
	if err := c.SetMute(ctx, true); err != nil {
		t.Fatal(err)
	}
	if m, err := c.GetMute(ctx); err != nil || !m {
		t.Fatalf("GetMute = %v, %v", m, err)
	}
}

func TestNew_RejectsBadScheme(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(context.Background(), "http://localhost:1234", time.Second, logger); err == nil {
		t.Fatalf("expected error for http scheme")
	}
}
