package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/api"
	"github.com/hyperengineering/offsync/internal/archive"
	"github.com/hyperengineering/offsync/internal/config"
	"github.com/hyperengineering/offsync/internal/metrics"
	"github.com/hyperengineering/offsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	dbPathOverride    string
	remoteURLOverride string
	jsonOutput        bool
)

var rootCmd = &cobra.Command{
	Use:           "offsync",
	Short:         "offsync - offline sync queue agent",
	Long:          "Buffers mutating actions while offline and replays them, in order, once the remote API is reachable.",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          run,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent: local API plus replay worker (default)",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Queue database path (overrides config and OFFSYNC_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&remoteURLOverride, "remote", "",
		"Remote API base URL (overrides config and OFFSYNC_REMOTE_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(archiveCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration, then check serve requirements with flags applied
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	// 3. Initialize logger
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded",
		"client_id", cfg.ClientID,
		"level", cfg.Log.Level,
	)
	if cfg.Auth.APIKey == "" {
		slog.Warn("local API authentication disabled (dev mode)")
	}

	// 4. Initialize metrics, store, remote client and queue
	m := metrics.New()
	a, err := openAgent(cfg, m)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)
	slog.Info("remote configured",
		"base_url", cfg.Remote.BaseURL,
		"actions", len(a.client.Actions()),
	)

	// 5. Replay worker
	replayWorker := worker.NewReplayWorker(a.queue, a.client,
		time.Duration(cfg.Worker.ReplayInterval),
		time.Duration(cfg.Worker.ProbeTimeout),
		m.SetOnline,
	)

	// 5a. Scheduled audit exports (optional)
	var archiveWorker *worker.ArchiveWorker
	if interval := time.Duration(cfg.Worker.ArchiveInterval); interval > 0 {
		uploader, err := archive.NewUploader(cfg.Archive)
		if err != nil {
			a.Close()
			return err
		}
		var pruner worker.Pruner
		if cfg.Archive.PruneSynced {
			pruner = a.queue
		}
		archiveWorker = worker.NewArchiveWorker(archive.New(a.queue, uploader, cfg.ClientID), pruner, interval)
		slog.Info("archive scheduled", "bucket", cfg.Archive.Bucket, "interval", interval.String())
	}

	// 6. Initialize HTTP router
	handler := api.NewHandler(a.queue, a.store, replayWorker, cfg.Cache.Collections, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        m.Handler(),
	})
	slog.Info("router initialized")

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "replay", replayWorker.Run)
	if archiveWorker != nil {
		startWorker(ctx, &wg, "archive", archiveWorker.Run)
	}

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Close store last
	if err := a.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// applyFlagOverrides applies persistent flags on top of loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if dbPathOverride != "" {
		cfg.Database.Path = dbPathOverride
	}
	if remoteURLOverride != "" {
		cfg.Remote.BaseURL = remoteURLOverride
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
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
