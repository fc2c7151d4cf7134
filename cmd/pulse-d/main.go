package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rmax-ai/pulse/pkg/api"
	"github.com/rmax-ai/pulse/pkg/blob"
	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/rmax-ai/pulse/pkg/generator"
	"github.com/rmax-ai/pulse/pkg/sink"
	"github.com/rmax-ai/pulse/pkg/store"
	redisstore "github.com/rmax-ai/pulse/pkg/store/redis"
)

func main() {
	// A missing .env is normal; the environment may already be set.
	_ = godotenv.Load(envFile())

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "pulse-d: %v\n", err)
		os.Exit(2)
	}

	logger, err := buildLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulse-d: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pulse-d failed", zap.Error(err))
	}
}

func envFile() string {
	if path := os.Getenv("PULSE_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

func buildLogger(format, level string) (*zap.Logger, error) {
	var zc zap.Config
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg Config, logger *zap.Logger) error {
	logger.Info("system_started", zap.String("component", "pulse-d"), zap.String("store", cfg.StoreKind))

	// Finished runs are always archived in SQLite; the catalog may live elsewhere.
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed_to_close_store", zap.Error(err))
		}
	}()
	logger.Info("store_initialized", zap.String("path", cfg.DBPath))

	var catalog store.Catalog = st
	if cfg.StoreKind == "redis" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		catalog = redisstore.NewCatalog(rdb)
		logger.Info("redis_catalog_connected", zap.String("addr", cfg.RedisAddr))
	}

	if !cfg.NoPresets {
		n, err := store.SeedPresets(context.Background(), catalog)
		if err != nil {
			return fmt.Errorf("failed to seed presets: %w", err)
		}
		logger.Info("presets_seeded", zap.Int("added", n))
	}

	sinks := sink.NewRegistry(logger)
	defer sinks.Close()

	eng := engine.New(cfg.Engine, store.Resolver{Catalog: catalog}, sinks, generator.Builtins(), logger)

	srv := api.NewServer(eng, catalog, logger, cfg.Addr)
	srv.SetArchive(st)
	if cfg.TLSCertFile != "" {
		srv.SetTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var blobs blob.Store
	if cfg.ArchiveDir != "" {
		blobs = blob.NewDir(cfg.ArchiveDir)
	}
	retention := store.NewRetentionWorker(st, blobs, cfg.Retention, logger)
	go retention.Run(ctx)

	if cfg.ConfigPath != "" {
		go reloadOnHangup(ctx, cfg, retention, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.CancelGrace+5*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("failed_to_stop_server", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("runs_did_not_stop", zap.Error(err))
	}
	logger.Info("shutdown_complete")
	return nil
}

// reloadOnHangup re-reads the tuning file on SIGHUP. Only retention settings
// apply to a running daemon; engine limits need a restart.
func reloadOnHangup(ctx context.Context, cfg Config, retention *store.RetentionWorker, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := cfg
			if err := applyConfigFile(&next, cfg.ConfigPath); err != nil {
				logger.Error("config_reload_failed", zap.Error(err))
				continue
			}
			retention.UpdateConfig(next.Retention)
			logger.Info("config_reloaded", zap.String("path", cfg.ConfigPath), zap.Duration("retention", next.Retention.Retention))
		}
	}
}
