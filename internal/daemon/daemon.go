// Package daemon wires the session bridge components together and runs
// them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/tgbridge/internal/bridge"
	"github.com/al-bashkir/tgbridge/internal/config"
	"github.com/al-bashkir/tgbridge/internal/httpserver"
	"github.com/al-bashkir/tgbridge/internal/identity"
	"github.com/al-bashkir/tgbridge/internal/ipc"
	"github.com/al-bashkir/tgbridge/internal/logsanitize"
	"github.com/al-bashkir/tgbridge/internal/metrics"
	"github.com/al-bashkir/tgbridge/internal/protocol"
	"github.com/al-bashkir/tgbridge/internal/session"
	"github.com/al-bashkir/tgbridge/internal/sessionstore"
	"github.com/al-bashkir/tgbridge/internal/telegram"
	"github.com/al-bashkir/tgbridge/internal/usermeta"
)

// shutdownTimeout bounds the whole graceful shutdown.
const shutdownTimeout = 30 * time.Second

// maxIdleSeconds is the largest reap threshold a time.Duration can hold.
const maxIdleSeconds = math.MaxInt64 / int64(time.Second)

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	store      sessionstore.Store
	pool       *session.Pool
	svc        *bridge.Service
	httpServer *httpserver.Server
	ipcServer  *ipc.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, version string) (*Daemon, error) {
	store, err := sessionstore.Open(cfg.Sessions.Store, cfg.Sessions.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	slog.Info("session store opened",
		"backend", cfg.Sessions.Store,
		"dir", cfg.Sessions.Dir,
	)

	d, err := build(cfg, store, version)
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			slog.Warn("failed to close session store", "error", cerr)
		}
		return nil, err
	}
	return d, nil
}

func build(cfg *config.Config, store sessionstore.Store, version string) (*Daemon, error) {
	meta, err := usermeta.Open(cfg.Metadata.Store, cfg.Metadata.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	factory, err := newFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram client factory: %w", err)
	}

	m := newMetrics(cfg)

	pool := session.NewPool(session.Options{
		DisconnectTimeout: cfg.Sessions.DisconnectTimeoutDuration(),
		Observer:          m,
	})

	svc := bridge.New(factory, pool, store, meta, bridge.Options{
		OperationTimeout: cfg.Sessions.OperationTimeoutDuration(),
		DialogLimit:      cfg.Sessions.DialogLimit,
		ParticipantLimit: cfg.Sessions.ParticipantLimit,
		Observer:         m,
	})

	slog.Info("session bridge initialized",
		"telegram", svc.Available(),
		"idle_timeout", cfg.Sessions.IdleTimeoutDuration(),
		"operation_timeout", cfg.Sessions.OperationTimeoutDuration(),
	)

	// OIDC discovery is the only network call made at startup.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	auth, err := identity.New(ctx, &cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity: %w", err)
	}

	slog.Info("identity initialized", "mode", cfg.Identity.Mode)

	httpServer, err := httpserver.NewServer(cfg, svc, auth, m, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	d := &Daemon{
		cfg:        cfg,
		store:      store,
		pool:       pool,
		svc:        svc,
		httpServer: httpServer,
	}
	d.ipcServer = ipc.NewServer(cfg.Listen.Socket, d.handleAdmin)

	slog.Info("IPC server initialized",
		"socket", cfg.Listen.Socket,
	)

	return d, nil
}

// newFactory selects the real Telegram factory when credentials are set and
// the disabled one otherwise.
func newFactory(cfg *config.Config) (protocol.Factory, error) {
	if !cfg.Telegram.Enabled() {
		slog.Warn("telegram api_id/api_hash not configured; every session operation will report the adapter as unavailable")
		return protocol.DisabledFactory{}, nil
	}

	return telegram.NewFactory(telegram.Options{
		AppID:            cfg.Telegram.APIID,
		AppHash:          cfg.Telegram.APIHash,
		DeviceModel:      cfg.Telegram.DeviceModel,
		SystemVersion:    cfg.Telegram.SystemVersion,
		AppVersion:       cfg.Telegram.AppVersion,
		RateLimit:        rate.Limit(cfg.Telegram.RateLimit),
		RateBurst:        cfg.Telegram.RateBurst,
		FloodWaitRetries: cfg.Telegram.FloodWaitRetries,
		EntityScanLimit:  cfg.Sessions.EntityScanLimit,
	})
}

// newMetrics builds the metrics set. With metrics disabled they are still
// created so the observers stay wired, but nothing is registered.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.New(nil)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(registry)
}

// Run starts all daemon components and blocks until a shutdown signal is
// received.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) error {
	slog.Info("starting tgbridge daemon")

	// Start IPC server synchronously to catch startup errors
	if err := d.ipcServer.Start(context.Background()); err != nil {
		d.closeStore()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	d.pool.StartReaper(d.cfg.Sessions.ReapIntervalDuration(), d.cfg.Sessions.IdleTimeoutDuration())

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err, ok := <-httpErrCh:
		if ok && err != nil {
			slog.Error("HTTP server failed", "error", err)
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	d.shutdown()
	return runErr
}

// shutdown stops intake first, then disconnects every pooled client.
// Persisted sessions are left untouched.
func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.ipcServer.Stop(); err != nil {
		slog.Error("error stopping IPC server", "error", err)
	}

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.pool.StopReaper()
	d.pool.Close(shutdownCtx)
	d.closeStore()

	slog.Info("daemon shutdown complete")
}

func (d *Daemon) closeStore() {
	if err := d.store.Close(); err != nil {
		slog.Error("error closing session store", "error", err)
	}
}

// handleAdmin serves commands from the control socket.
func (d *Daemon) handleAdmin(ctx context.Context, req *ipc.AdminRequest) (*ipc.AdminResponse, error) {
	switch req.Command {
	case ipc.CommandList:
		return &ipc.AdminResponse{Sessions: d.pool.Snapshot()}, nil

	case ipc.CommandReap:
		maxIdle := d.cfg.Sessions.IdleTimeoutDuration()
		if req.MaxIdleSeconds != nil {
			if *req.MaxIdleSeconds < 0 {
				return nil, errors.New("max_idle_seconds must not be negative")
			}
			if int64(*req.MaxIdleSeconds) > maxIdleSeconds {
				return nil, fmt.Errorf("max_idle_seconds must not exceed %d", maxIdleSeconds)
			}
			maxIdle = time.Duration(*req.MaxIdleSeconds) * time.Second
		}
		n := d.pool.Reap(ctx, maxIdle)
		slog.Info("admin reap", "max_idle", maxIdle, "reaped", n)
		return &ipc.AdminResponse{Reaped: n}, nil

	case ipc.CommandDisconnect:
		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			return nil, errors.New("user_id is required")
		}
		if err := d.svc.Disconnect(ctx, userID); err != nil {
			return nil, err
		}
		slog.Info("admin disconnect", "user_id", logsanitize.Sanitize(userID))
		return &ipc.AdminResponse{}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}
