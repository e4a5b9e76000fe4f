// Package server orchestrates all components: NATS client, frame bridge, DB, host, dispatcher, HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/officexapp/iframe-host/internal/config"
	"github.com/officexapp/iframe-host/pkg/commsutil"
	"github.com/officexapp/iframe-host/pkg/db"
	"github.com/officexapp/iframe-host/pkg/dispatcher"
	"github.com/officexapp/iframe-host/pkg/events"
	"github.com/officexapp/iframe-host/pkg/frame"
	"github.com/officexapp/iframe-host/pkg/host"
	"github.com/officexapp/iframe-host/pkg/profile"
)

const logPrefix = "server:server"

// controlGrace is added to the response timeout so a waiting control request can still
// report the host's own TIMEOUT.
const controlGrace = 5 * time.Second

// Server is the officex-host orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	repo       *db.Repository
	host       *host.Host
	disp       *dispatcher.Dispatcher
	prof       *profile.Resolved
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting officex-host (frame %s)", logPrefix, cfg.FrameID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Load the host profile
	prof, err := profile.LoadProfile(cfg.ProfileFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load host profile: %w", logPrefix, err)
	}
	resolved, err := profile.Resolve(prof)
	if err != nil {
		return fmt.Errorf("%s - failed to resolve host profile: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Host profile: %s", logPrefix, resolved.Name()))

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, commsutil.ClientName(cfg.COMMSName, cfg.FrameID))
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Connect to database when configured
	var pool *pgxpool.Pool
	var repo *db.Repository
	var store host.SessionStore = host.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		if cfg.RunMigrations {
			if err := migrate(ctx, pool, cfg.MigrationPath); err != nil {
				pool.Close()
				nc.Close()
				return err
			}
		}
		repo = db.NewRepository(pool)
		store = db.NewSessionStore(repo)
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, sessions are kept in memory", logPrefix))
	}

	// Step 4: Create the host on the NATS frame bridge
	cf := frame.NewCommsFrame(nc, cfg.FrameID)
	h, err := host.New(host.NewHostParams{
		FrameID:   cfg.FrameID,
		Config:    HostConfig(cfg),
		Ephemeral: resolved.Ephemeral(),
		Publisher: events.NewCommsPublisher(nc, nil),
		Store:     store,
		Frame:     cf,
	})
	if err != nil {
		closeAll(nil, pool, nc)
		return fmt.Errorf("%s - failed to create host: %w", logPrefix, err)
	}
	if err := cf.Listen(h); err != nil {
		closeAll(h, pool, nc)
		return err
	}
	slog.Info(fmt.Sprintf("%s - Session %s targets %s", logPrefix, h.SessionID(), h.ChildOrigin()))

	// Step 5: Create dispatcher and subscribe to the control subject
	disp := dispatcher.NewDispatcher(h, resolved.Route)
	controlSubject := commsutil.BuildControlSubject(cfg.FrameID)
	sub, err := dispatcher.Subscribe(ctx, nc, controlSubject, disp, controlTimeout(cfg))
	if err != nil {
		cf.Close()
		closeAll(h, pool, nc)
		return err
	}

	// Step 6: Start HTTP server
	s := &Server{cfg: cfg, nc: nc, pool: pool, repo: repo, host: h, disp: disp, prof: resolved}
	httpAddr := cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - officex-host is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	sub.Unsubscribe()
	cf.Close()
	s.httpServer.Shutdown(shutdownCtx)
	h.Close()
	nc.Drain()
	if pool != nil {
		pool.Close()
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the default text logger at the named level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// HostConfig maps service configuration onto host configuration. A zero RESPONSE_TIMEOUT
// disables response timeouts.
func HostConfig(cfg *config.Config) host.Config {
	hc := host.DefaultConfig()
	hc.ChildOrigin = cfg.EffectiveChildOrigin()
	hc.DevModeBypass = cfg.LocalDevMode
	hc.ResponseTimeout = cfg.ResponseTimeout
	if hc.ResponseTimeout == 0 {
		hc.ResponseTimeout = -1
	}
	hc.InitRetry = host.RetryConfig{MaxAttempts: cfg.InitRetryMaxAttempts, Delay: cfg.InitRetryDelay}
	hc.ProtocolConstraint = cfg.ChildProtocolConstraint
	hc.DefaultHost = cfg.DefaultHost
	// The grant callback redirects, which reloads the child.
	hc.DeferGrantUntilLoad = true
	return hc
}

// controlTimeout bounds one control request. Zero means no bound.
func controlTimeout(cfg *config.Config) time.Duration {
	if cfg.ResponseTimeout <= 0 {
		return 0
	}
	return cfg.ResponseTimeout + controlGrace
}

func migrate(ctx context.Context, pool *pgxpool.Pool, path string) error {
	migrationSQL, err := db.LoadMigrationFiles(path)
	if err != nil {
		return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
	}
	return nil
}

func closeAll(h *host.Host, pool *pgxpool.Pool, nc *comms.Conn) {
	if h != nil {
		h.Close()
	}
	if pool != nil {
		pool.Close()
	}
	nc.Close()
}
