package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/licensedb/engine/internal/audit"
	"github.com/licensedb/engine/internal/config"
	"github.com/licensedb/engine/internal/crypto"
	"github.com/licensedb/engine/internal/store/blob"
	"github.com/licensedb/engine/internal/store/kv"
	"github.com/licensedb/engine/internal/sync/fallback"
	"github.com/licensedb/engine/internal/sync/fetch"
	"github.com/licensedb/engine/internal/sync/patch"
	"github.com/licensedb/engine/internal/sync/pipeline"
	"github.com/licensedb/engine/internal/sync/replication"
)

func main() {
	var (
		configPath   = flag.String("config", getEnv("SYNCD_CONFIG", "syncd.yaml"), "Path to config file")
		httpPort     = flag.Int("http-port", 8085, "HTTP health port")
		interval     = flag.Duration("interval", time.Hour, "Staleness check interval")
		runOnce      = flag.Bool("once", false, "Run one on-demand sync and exit")
		auditConsole = flag.Bool("audit-console", false, "Also write audit events to the log")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Blob store: filesystem when configured, in-memory otherwise.
	var blobs blob.Store
	if cfg.Stores.BlobDir != "" {
		fs, err := blob.NewFileStore(cfg.Stores.BlobDir)
		if err != nil {
			logger.Error("failed to open blob dir", slog.String("error", err.Error()))
			os.Exit(1)
		}
		blobs = fs
	} else {
		logger.Warn("no blob dir configured, snapshots are not durable")
		blobs = blob.NewMemoryStore()
	}

	// KV store: Redis when configured, in-memory otherwise.
	var kvStore kv.Store
	if cfg.Stores.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Stores.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer client.Close()
		kvStore = kv.NewRedisStore(client)
	} else {
		kvStore = kv.NewMemoryStore()
	}

	// Primary store is optional; without it the run skips patching.
	var primary patch.Store
	if cfg.Stores.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Stores.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()
		primary = patch.NewPostgresStore(pool)
	} else {
		logger.Warn("no database configured, primary patching disabled")
	}

	var encryptor *crypto.Encryptor
	if cfg.Stores.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptorFromString(cfg.Stores.EncryptionKey)
		if err != nil {
			logger.Error("invalid encryption key", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	auditLog := audit.NewLogger(audit.DefaultConfig(), logger)
	auditLog.AddSink(audit.NewBlobSink(blobs))
	if *auditConsole {
		auditLog.AddSink(audit.NewConsoleSink(logger))
	}
	defer auditLog.Close()

	fallbackMgr := fallback.New(blobs, kvStore, encryptor, fallback.Config{
		PointerTTL: cfg.Retention.FallbackPointerTTL,
		Retention:  cfg.Retention.SnapshotRetention,
	}, auditLog, logger)

	sqliteBackend := replication.NewSQLiteBackend()
	defer sqliteBackend.Close()
	redisBackend := replication.NewRedisBackend()
	defer redisBackend.Close()

	replicator := replication.New(replication.Config{
		Enabled:       cfg.Features.ExternalSync,
		CanaryEnabled: cfg.Features.CanaryDeployment,
		HealthTTL:     cfg.Retention.HealthTTL,
	}, map[string]replication.Backend{
		"relational": sqliteBackend,
		"cache":      redisBackend,
	}, kvStore, logger)

	fetcher := fetch.New(fetch.Config{
		TimeoutMs:    cfg.Fetch.TimeoutMs,
		MaxRetries:   cfg.Fetch.MaxRetries,
		RetryDelayMs: cfg.Fetch.RetryDelayMs,
		RatePerSec:   cfg.Fetch.RatePerSec,
	}, auditLog, logger)

	orch := pipeline.New(cfg, fetcher, fallbackMgr, primary, replicator, blobs, kvStore, auditLog, logger)

	if *runOnce {
		result := orch.Run(ctx, pipeline.Options{OnDemand: true})
		logger.Info("run finished",
			slog.String("run_id", result.RunID),
			slog.String("status", string(result.Status)),
			slog.Int("record_count", result.RecordCount),
		)
		if result.Status == pipeline.StatusFailed {
			os.Exit(1)
		}
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", *httpPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		logger.Info("starting HTTP server", slog.Int("port", *httpPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	logger.Info("syncd started",
		slog.String("origin", cfg.DataSource.OriginZipURL),
		slog.Duration("interval", *interval),
	)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	runAndLog := func(opts pipeline.Options) {
		result := orch.Run(ctx, opts)
		if result.Status == pipeline.StatusSkipped {
			return
		}
		logger.Info("run finished",
			slog.String("run_id", result.RunID),
			slog.String("status", string(result.Status)),
			slog.String("version", result.Version),
			slog.Int("record_count", result.RecordCount),
			slog.Int("applied", result.AppliedCount),
			slog.Int64("duration_ms", result.DurationMs),
		)
	}

	// First staleness-gated run on startup.
	runAndLog(pipeline.Options{})

	for {
		select {
		case <-ticker.C:
			runAndLog(pipeline.Options{})
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				// SIGHUP triggers an on-demand run.
				runAndLog(pipeline.Options{OnDemand: true})
				continue
			}
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			return
		case <-ctx.Done():
			return
		}
	}
}

func getEnv(key, fallbackValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallbackValue
}
