// Package server implements the server command running the API, the scheduler and the run engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/api"
	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/config"
)

const shutdownTimeout = 30 * time.Second

// NewCmdServer creates the command that runs the long-lived engine process
func NewCmdServer() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the conductor server (API + scheduler + run engine)",
		Long: `Starts the HTTP API, the cron scheduler and the run engine in a single process.

Runs whose owning process stopped heartbeating are marked failed, their
remote temporary files and local vault material are removed. This happens
before anything is dispatched and then periodically, so runs abandoned by
a crashed "conductor run submit" are reclaimed too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, app.GetConfig())
		},
	}

	return cmd
}

// runServer listens on the configured address and serves until ctx is done
func runServer(ctx context.Context, cfg *config.Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is not configured: set CONDUCTOR_JWT_SECRET or api.jwt_secret")
	}

	address := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return serve(ctx, cfg, listener)
}

func serve(ctx context.Context, cfg *config.Config, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := app.GetEngine()

	// Nothing may be dispatched before orphans are cleaned up
	if err := reclaim(ctx, engine); err != nil {
		_ = listener.Close()
		return err
	}
	go reclaimPeriodically(ctx, engine, cfg.HeartbeatInterval)

	go func() {
		if err := app.GetScheduler().Start(ctx); err != nil {
			slog.Error("Scheduler failed", "layer", "server", "error", err)
			cancel()
		}
	}()

	handlers := api.NewHandlers(engine, app.GetScheduler(), app.GetAuditRecorder(), cfg.JWTSecret)
	server := &http.Server{
		Handler:           api.NewRouter(handlers, app.GetMetrics(), cfg.TrustProxyHeaders),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "layer", "server", "address", fmt.Sprintf("http://%s", listener.Addr()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received", "layer", "server")
	case err := <-serveErr:
		runErr = fmt.Errorf("web server failed: %w", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Web server shutdown failed", "layer", "server", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run engine shutdown failed", "layer", "server", "error", err)
	}

	slog.Info("Server stopped", "layer", "server")
	return runErr
}

// reclaim fails runs abandoned by dead processes, then removes vault material
// of every run no longer active in any process
func reclaim(ctx context.Context, engine app.RunEngine) error {
	recovered, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	swept, err := app.GetVaultResolver().Sweep(engine.IsActive)
	if err != nil {
		return fmt.Errorf("failed to sweep vault material: %w", err)
	}
	slog.Debug("Recovery sweep complete",
		"layer", "server",
		"recovered", recovered,
		"swept", swept)
	return nil
}

func reclaimPeriodically(ctx context.Context, engine app.RunEngine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reclaim(ctx, engine); err != nil {
				slog.Warn("Periodic recovery failed", "layer", "server", "error", err)
			}
		}
	}
}
