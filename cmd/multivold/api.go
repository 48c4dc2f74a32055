package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"multivol/internal/volume"
)

// controller is the coordinator surface exposed to the API and IPC.
type controller interface {
	DisplayVolume() int
	Status() volume.Status
	SetDisplayVolume(ctx context.Context, value float64, showBar bool) error
	AdjustDisplayVolume(ctx context.Context, delta float64, showBar bool) error
	Step(ctx context.Context, steps int, fine bool, showBar bool) error
	ClientVolume(id string) (int, bool)
	SetClientVolume(ctx context.Context, id string, value float64, showBar bool) error
	SetClientMute(ctx context.Context, id string, muted bool) error
	PushVolumeToAllClients(ctx context.Context, value float64) error
	ModeChanged(ctx context.Context) error
	ReloadVolumeLimits(ctx context.Context) error
	ReloadStartupConfig() volume.StartupPolicy
	ReloadMobileSteps() float64
	ReloadRotarySteps() float64
}

// modeSwitch is the writable routing mode.
type modeSwitch interface {
	Set(mode string) error
	String() string
}

// Reload sections accepted by the API, IPC and the config watcher.
const (
	reloadLimits      = "limits"
	reloadStartup     = "startup"
	reloadMobileSteps = "mobile-steps"
	reloadRotarySteps = "rotary-steps"
	reloadAll         = "all"
)

var errUnknownSection = errors.New("unknown reload section")

// reloadSection re-reads one section of the volume settings and returns
// the value now in effect.
func reloadSection(ctx context.Context, c controller, section string) (any, error) {
	switch section {
	case reloadLimits:
		if err := c.ReloadVolumeLimits(ctx); err != nil {
			return nil, err
		}
		return c.Status().Band, nil
	case reloadStartup:
		c.ReloadStartupConfig()
		return nil, nil
	case reloadMobileSteps:
		return c.ReloadMobileSteps(), nil
	case reloadRotarySteps:
		return c.ReloadRotarySteps(), nil
	case reloadAll:
		c.ReloadStartupConfig()
		c.ReloadMobileSteps()
		c.ReloadRotarySteps()
		if err := c.ReloadVolumeLimits(ctx); err != nil {
			return nil, err
		}
		return c.Status(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownSection, section)
	}
}

// apiServer serves the HTTP control API.
type apiServer struct {
	coord  controller
	mode   modeSwitch
	logger *slog.Logger
}

type volumeRequest struct {
	Volume  *float64 `json:"volume"`
	ShowBar bool     `json:"show_bar"`
}

type adjustRequest struct {
	Delta   *float64 `json:"delta"`
	ShowBar bool     `json:"show_bar"`
}

type stepRequest struct {
	Steps   int  `json:"steps"`
	Fine    bool `json:"fine"`
	ShowBar bool `json:"show_bar"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type routingRequest struct {
	Mode string `json:"mode"`
}

type volumeResponse struct {
	Volume int `json:"volume"`
}

type clientVolumeResponse struct {
	ID     string `json:"id"`
	Volume int    `json:"volume"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register installs the API routes on mux.
func (s *apiServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/volume", s.handleGetVolume)
	mux.HandleFunc("PUT /api/volume", s.handleSetVolume)
	mux.HandleFunc("POST /api/volume/adjust", s.handleAdjust)
	mux.HandleFunc("POST /api/volume/step", s.handleStep)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/clients/{id}/volume", s.handleGetClientVolume)
	mux.HandleFunc("PUT /api/clients/{id}/volume", s.handleSetClientVolume)
	mux.HandleFunc("PUT /api/clients/{id}/mute", s.handleSetClientMute)
	mux.HandleFunc("POST /api/clients/push", s.handlePush)
	mux.HandleFunc("PUT /api/routing", s.handleRouting)
	mux.HandleFunc("POST /api/reload/{section}", s.handleReload)
}

func (s *apiServer) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, volumeResponse{Volume: s.coord.DisplayVolume()})
}

func (s *apiServer) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "volume is required"})
		return
	}
	if err := s.coord.SetDisplayVolume(r.Context(), *req.Volume, req.ShowBar); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeResponse{Volume: s.coord.DisplayVolume()})
}

func (s *apiServer) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Delta == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "delta is required"})
		return
	}
	if err := s.coord.AdjustDisplayVolume(r.Context(), *req.Delta, req.ShowBar); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeResponse{Volume: s.coord.DisplayVolume()})
}

func (s *apiServer) handleStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.Step(r.Context(), req.Steps, req.Fine, req.ShowBar); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeResponse{Volume: s.coord.DisplayVolume()})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *apiServer) handleGetClientVolume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, ok := s.coord.ClientVolume(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown client"})
		return
	}
	writeJSON(w, http.StatusOK, clientVolumeResponse{ID: id, Volume: v})
}

func (s *apiServer) handleSetClientVolume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req volumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "volume is required"})
		return
	}
	if err := s.coord.SetClientVolume(r.Context(), id, *req.Volume, req.ShowBar); err != nil {
		s.writeError(w, err)
		return
	}
	v, _ := s.coord.ClientVolume(id)
	writeJSON(w, http.StatusOK, clientVolumeResponse{ID: id, Volume: v})
}

func (s *apiServer) handleSetClientMute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req muteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Muted == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "muted is required"})
		return
	}
	if err := s.coord.SetClientMute(r.Context(), id, *req.Muted); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handlePush(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "volume is required"})
		return
	}
	if err := s.coord.PushVolumeToAllClients(r.Context(), *req.Volume); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeResponse{Volume: s.coord.DisplayVolume()})
}

func (s *apiServer) handleRouting(w http.ResponseWriter, r *http.Request) {
	var req routingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prev := s.mode.String()
	if err := s.mode.Set(req.Mode); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Mode != prev {
		s.logger.Info("routing mode changed", "from", prev, "to", req.Mode)
		if err := s.coord.ModeChanged(r.Context()); err != nil {
			if rerr := s.mode.Set(prev); rerr != nil {
				s.logger.Error("restore routing mode failed", "mode", prev, "error", rerr)
			}
			s.logger.Warn("routing switch failed; mode restored", "mode", prev, "error", err)
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *apiServer) handleReload(w http.ResponseWriter, r *http.Request) {
	result, err := reloadSection(r.Context(), s.coord, r.PathValue("section"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusCode maps coordinator errors onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, volume.ErrInvalidVolume), errors.Is(err, errUnknownSection):
		return http.StatusBadRequest
	case errors.Is(err, volume.ErrUnknownClient):
		return http.StatusNotFound
	case errors.Is(err, volume.ErrLockTimeout), errors.Is(err, volume.ErrOpTimeout),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, volume.ErrNoOutput):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	s.logger.Debug("api request failed", "status", code, "error", err)
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decode body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// runHTTPServer serves handler on addr and shuts down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("http api listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
