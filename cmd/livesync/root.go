package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/livesync/internal/api"
	"github.com/hyperengineering/livesync/internal/archive"
	"github.com/hyperengineering/livesync/internal/config"
	"github.com/hyperengineering/livesync/internal/metrics"
	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/internal/reconnect"
	"github.com/hyperengineering/livesync/internal/state"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "livesync",
	Short: "LiveSync - live entity subscription and reconnect service",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
}

// app holds the wired server components.
type app struct {
	log     *oplog.Log
	archive *archive.Store
	state   *state.Store
	handler http.Handler
}

// newApp wires config into the op log, optional archive, canonical state,
// reconnect coordinator and HTTP router.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{}

	var opts []oplog.Option
	if cfg.Archive.Path != "" {
		arch, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return nil, err
		}
		a.archive = arch
		opts = append(opts, oplog.WithArchiver(arch))
		slog.Info("archive initialized", "path", cfg.Archive.Path)
	}

	a.log = oplog.New(oplog.Config{
		MaxEntries:      cfg.OpLog.MaxEntries,
		MaxAge:          cfg.OpLog.MaxAge.Std(),
		CleanupInterval: cfg.OpLog.CleanupInterval.Std(),
	}, opts...)
	a.state = state.NewStore(a.log)
	slog.Info("state initialized",
		"max_entries", cfg.OpLog.MaxEntries,
		"max_age", cfg.OpLog.MaxAge.Std().String(),
	)

	coord := reconnect.New(a.state, a.log, reconnect.WithWorkers(cfg.Reconnect.Workers))

	handler := api.NewHandler(api.Deps{
		Entities:   a.state,
		Log:        a.log,
		Reconciler: coord,
		Replay:     api.NewReplayCache(cfg.Reconnect.ReplayTTL.Std()),
		Conns:      api.NewConnTable(),
		Limiter:    api.NewRateLimiter(cfg.Reconnect.RateLimitRPS, cfg.Reconnect.RateLimitBurst, 10*time.Minute),
	}, cfg.Auth.APIKey, Version)
	a.handler = api.NewRouter(handler)
	slog.Info("router initialized")

	return a, nil
}

// Close disposes the log before closing the archive so the final evictions
// still have somewhere to go.
func (a *app) Close() error {
	a.log.Dispose()
	if a.archive != nil {
		return a.archive.Close()
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("configuration loaded")
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)
	if cfg.Auth.APIKey == "" {
		slog.Warn("authentication disabled", "reason", "dev_mode")
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "state-reporter", func(ctx context.Context) {
		reportState(ctx, a, 15*time.Second)
	})

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := a.Close(); err != nil {
		slog.Error("close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// reportState refreshes the entity gauge and logs retention on every tick.
func reportState(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		metrics.SetEntities(a.state.Len())
		stats := a.log.Stats()
		slog.Debug("state report",
			"component", "server",
			"worker", "state-reporter",
			"entities", a.state.Len(),
			"oplog_entries", stats.EntryCount,
			"oplog_evicted", stats.EvictedTotal,
		)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
