package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"multivol/internal/alsa"
	"multivol/internal/camilladsp"
	"multivol/internal/config"
	"multivol/internal/discovery"
	"multivol/internal/dspclient"
	"multivol/internal/pending"
	"multivol/internal/snapcast"
	"multivol/internal/statews"
	"multivol/internal/volume"
)

const (
	snapcastConnectWait = 5 * time.Second
	discoveryTimeout    = 3 * time.Second
	shutdownTimeout     = 3 * time.Second
)

// runDaemon builds every component from cfg and serves until ctx is done.
// cfgFile is empty when the daemon runs on built-in defaults.
func runDaemon(ctx context.Context, cfg config.Config, cfgFile string, logger *slog.Logger) error {
	mode, err := newRoutingMode(cfg.Routing.Mode)
	if err != nil {
		return err
	}

	// Volume settings are re-read from the file on every reload.
	var src volume.SettingsSource = config.StaticSource(cfg.Volume.Settings())
	if cfgFile != "" {
		src = config.FileSource{Path: cfgFile}
	}
	volCfg := volume.NewVolumeConfig(src, logger.With("component", "settings"))

	store := volume.NewStore(
		config.ExpandPath(cfg.State.VolumeFile),
		time.Duration(cfg.State.MaxAgeHours)*time.Hour,
		logger.With("component", "store"),
	)

	direct, closeDirect, err := openDirectOutput(ctx, cfg.Output, logger)
	if err != nil {
		return err
	}
	defer closeDirect()

	queue, err := openPendingQueue(ctx, cfg.State, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	var coord *volume.Coordinator
	ws := statews.NewServer(logger.With("component", "ws"), statews.HubConfig{}, func() any {
		return coord.Status()
	})

	// The plane's percent scale follows the live band; Conv is set once the
	// coordinator exists.
	scale := &snapcast.ConverterScale{}
	snapHost, snapPort := cfg.Snapcast.Host, cfg.Snapcast.Port
	if snapHost == "" {
		snapHost, snapPort, err = discoverSnapcast(ctx, logger)
		if err != nil {
			logger.Warn("no snapcast server found; multiroom unavailable until configured", "error", err)
		}
	}
	var snap *snapcast.Client
	if snapHost != "" {
		snap = snapcast.New(snapcast.Options{Host: snapHost, Port: snapPort}, logger.With("component", "snapcast"))
	}

	deps := volume.Deps{
		Config:   volCfg,
		Store:    store,
		Mode:     mode,
		Direct:   direct,
		Pending:  queue,
		Notifier: ws,
		Logger:   logger.With("component", "volume"),
	}
	if snap != nil {
		deps.Plane = snapcast.NewPlane(snap, scale)
		deps.Endpoint = dspclient.New(
			cfg.Snapcast.DSPPort,
			time.Duration(cfg.Snapcast.DSPTimeoutMS)*time.Millisecond,
			logger.With("component", "dsp"),
		)
	}
	coord = volume.New(deps, cfg.Coordinator.Options())
	scale.Conv = coord.Converter()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ws.Hub().Run(gctx)
		return nil
	})

	if snap != nil {
		snap.SetHandlers(snapcastHandlers(gctx, coord, mode, scale, logger))
		g.Go(func() error {
			snap.Run(gctx)
			return nil
		})
		if mode.Multiroom() {
			waitCtx, cancel := context.WithTimeout(gctx, snapcastConnectWait)
			if err := snap.WaitConnected(waitCtx); err != nil {
				logger.Warn("snapcast not connected before startup", "addr", snap.Addr(), "error", err)
			}
			cancel()
		}
	}

	// A failed startup apply is not fatal; periodic sync and the next
	// user action recover.
	_ = coord.Start(gctx)

	g.Go(func() error {
		coord.Run(gctx)
		return nil
	})

	if cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, 0, logger.With("component", "config"))
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			g.Go(func() error {
				watcher.Run(gctx, func() {
					if _, err := reloadSection(gctx, coord, reloadAll); err != nil {
						logger.Warn("config reload failed", "error", err)
					}
				})
				return nil
			})
		}
	}

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, coord, logger.With("component", "ipc"))
	})

	mux := http.NewServeMux()
	api := &apiServer{coord: coord, mode: mode, logger: logger.With("component", "api")}
	api.Register(mux)
	mux.Handle("GET /ws", ws)
	g.Go(func() error {
		return runHTTPServer(gctx, cfg.API.Listen, mux, logger.With("component", "http"))
	})

	if cfg.API.Advertise {
		if err := advertiseAPI(gctx, cfg.API, logger); err != nil {
			logger.Warn("mdns advertisement failed", "error", err)
		}
	}

	if len(cfg.Input.Devices) > 0 {
		h := &inputHandler{
			coord: coord,
			rotary: newRotaryState(
				time.Duration(cfg.Input.VelocityWindowMS)*time.Millisecond,
				cfg.Input.FastSpinSteps,
				cfg.Input.FastSpinMult,
			),
			logger: logger.With("component", "input"),
		}
		g.Go(func() error {
			// Losing the input device leaves the API and IPC running.
			if err := runInput(gctx, cfg.Input.Devices, h, logger); err != nil {
				logger.Error("input reader stopped", "error", err)
			}
			return nil
		})
	}

	logger.Info("listening",
		"api", cfg.API.Listen,
		"ipc", cfg.IPC.SocketPath,
		"output", cfg.Output.Type,
		"routing", mode.String(),
	)

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := coord.Close(closeCtx); cerr != nil {
		logger.Warn("volume store flush failed", "error", cerr)
	}
	return err
}

// openDirectOutput connects the configured local output.
func openDirectOutput(ctx context.Context, out config.OutputConfig, logger *slog.Logger) (volume.DirectOutput, func(), error) {
	switch out.Type {
	case config.OutputALSA:
		m, err := alsa.New(out.ALSA.Card, out.ALSA.Control, logger.With("component", "alsa"))
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil
	default:
		c, err := camilladsp.New(ctx, out.CamillaDSP.WsURL,
			time.Duration(out.CamillaDSP.TimeoutMS)*time.Millisecond,
			logger.With("component", "camilladsp"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to CamillaDSP: %w", err)
		}
		return c, func() { c.Close() }, nil
	}
}

func openPendingQueue(ctx context.Context, st config.StateConfig, logger *slog.Logger) (*pending.Queue, error) {
	path := config.ExpandPath(st.PendingDB)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pending db dir: %w", err)
	}
	q, err := pending.Open(path, logger.With("component", "pending"))
	if err != nil {
		return nil, err
	}
	if st.PendingMaxDays > 0 {
		n, err := q.Prune(ctx, time.Duration(st.PendingMaxDays)*24*time.Hour)
		if err != nil {
			logger.Warn("prune pending settings failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned stale pending settings", "count", n)
		}
	}
	return q, nil
}

func discoverSnapcast(ctx context.Context, logger *slog.Logger) (string, int, error) {
	b := discovery.NewBrowser(discovery.SnapcastControlService, discoveryTimeout, logger.With("component", "discovery"))
	srv, err := b.Find(ctx)
	if err != nil {
		return "", 0, err
	}
	return srv.Host, srv.Port, nil
}

func advertiseAPI(ctx context.Context, api config.APIConfig, logger *slog.Logger) error {
	port, err := listenPort(api.Listen)
	if err != nil {
		return err
	}
	instance := api.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return discovery.Advertise(ctx, instance, port, logger.With("component", "mdns"))
}

// snapcastHandlers forwards server notifications to the coordinator. They
// run on the client's dispatcher goroutine, so calling back into the plane
// is safe.
func snapcastHandlers(ctx context.Context, coord *volume.Coordinator, mode *routingMode, scale snapcast.Scale, logger *slog.Logger) snapcast.Handlers {
	resync := func(reason string) {
		coord.InvalidateCaches()
		if !mode.Multiroom() {
			return
		}
		if err := coord.SyncClientsFromPlane(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("client sync failed", "reason", reason, "error", err)
		}
	}
	return snapcast.Handlers{
		OnVolumeChanged: func(id string, percent int, muted bool) {
			if !mode.Multiroom() {
				return
			}
			if err := coord.SyncClientVolumeFromPlane(ctx, id, scale.ToDB(percent)); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("apply plane volume failed", "client", id, "error", err)
			}
			coord.SyncClientMuteFromPlane(id, muted)
		},
		OnConnect: func(id, address string) {
			logger.Info("snapcast client connected", "client", id, "address", address)
			resync("connect")
		},
		OnDisconnect: func(id string) {
			logger.Info("snapcast client disconnected", "client", id)
			resync("disconnect")
		},
		OnUpdate: func() {
			resync("update")
		},
	}
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("api listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("api listen address %q has no fixed port", addr)
	}
	return port, nil
}
