// Package main is the entry point for the Edgewire engine. It wires the
// store, gateway, presence tracker and dispatch pipeline behind one HTTP
// server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/frolleks/edgewire/internal/auth"
	"github.com/frolleks/edgewire/internal/config"
	"github.com/frolleks/edgewire/internal/fanout"
	"github.com/frolleks/edgewire/internal/gateway"
	"github.com/frolleks/edgewire/internal/httpapi"
	"github.com/frolleks/edgewire/internal/mentions"
	"github.com/frolleks/edgewire/internal/notify"
	"github.com/frolleks/edgewire/internal/presence"
	"github.com/frolleks/edgewire/internal/store"
	"github.com/frolleks/edgewire/internal/telemetry"
	"github.com/frolleks/edgewire/pkg/logger"
)

var (
	version = "dev"

	cli struct {
		Version kong.VersionFlag `help:"Print version and exit."`
		Serve   ServeCmd         `cmd:"" default:"1" help:"Run the engine."`
		Migrate MigrateCmd       `cmd:"" help:"Run database migrations and exit."`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("edgewire"),
		kong.Description("Session, presence and dispatch engine for real-time group chat."),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)))
	cmd.FatalIfErrorf(cmd.Run())
}

// ServeCmd runs the engine until a shutdown signal arrives.
type ServeCmd struct{}

func (s *ServeCmd) Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		// Sync errors on stdout/stderr are expected for non-syncable file
		// descriptors and can be safely ignored.
		_ = log.Sync()
	}()

	log.Info("starting edgewire",
		zap.String("version", version),
		zap.String("environment", cfg.Server.Env),
		zap.String("http_port", cfg.Server.HTTPPort))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, log)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				log.Error("failed to shut down telemetry", zap.Error(err))
			}
		}()
	}

	st, err := store.New(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	if err := st.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	verifier, err := auth.NewVerifier(&cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	registry := gateway.NewRegistry(log)
	dispatcher := gateway.NewDispatcher(registry, log)
	tickets := gateway.NewTicketStore(cfg.Gateway.TicketTTL, log)

	tracker := presence.NewTracker(presence.Config{
		IdleAfter:   cfg.Presence.IdleAfter,
		AudienceTTL: cfg.Presence.AudienceTTL,
	}, st, st, dispatcher, log)

	gw := gateway.NewGateway(gateway.Config{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		MaxFrameBytes:     cfg.Gateway.MaxFrameBytes,
		FrameRate:         rate.Limit(cfg.Gateway.FrameRate),
		FrameBurst:        cfg.Gateway.FrameBurst,
		StaleAfter:        cfg.Gateway.StaleAfter,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
	}, registry, dispatcher, tickets, st, tracker, log)

	resolver := mentions.NewResolver(st, log)
	decider := notify.NewDecider(st, log)
	dispatchSvc := fanout.NewService(resolver, decider, dispatcher, log)

	tickets.StartSweeper(runCtx, cfg.Gateway.SweepInterval)
	gw.StartStaleSweeper(runCtx, cfg.Gateway.SweepInterval)
	tracker.StartIdleSweeper(runCtx, cfg.Presence.SweepInterval)

	handlers := httpapi.NewHandlers(cfg, verifier, gw, tickets, registry, tracker, dispatchSvc, st, log)
	server := httpapi.NewServer(handlers, cfg.Server.HTTPPort, log)

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("port", cfg.Server.HTTPPort))
		if err := server.Serve(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	log.Info("shutting down...")

	// Stop accepting HTTP traffic first, then tell connected clients to
	// reconnect elsewhere before the sockets close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server gracefully", zap.Error(err))
	}

	gw.Shutdown(shutdownCtx)

	log.Info("shutdown complete")
	return nil
}

// MigrateCmd applies pending database migrations.
type MigrateCmd struct{}

func (m *MigrateCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()

	st, err := store.New(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	if err := st.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("migrations complete")
	return nil
}
