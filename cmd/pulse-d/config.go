package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/rmax-ai/pulse/pkg/store"
)

const (
	defaultAddr      = "127.0.0.1:8090"
	defaultStore     = "sqlite"
	defaultLogFormat = "json"
)

type Config struct {
	Addr        string
	StoreKind   string // sqlite or redis
	DBPath      string
	RedisAddr   string
	RedisDB     int
	ArchiveDir  string
	LogFormat   string // json or console
	LogLevel    string
	TLSCertFile string
	TLSKeyFile  string
	NoPresets   bool
	ConfigPath  string

	Engine    engine.Config
	Retention store.RetentionConfig
}

// fileConfig is the optional YAML tuning file.
type fileConfig struct {
	Engine    engine.Config         `yaml:"engine"`
	Retention store.RetentionConfig `yaml:"retention"`
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultDBPath := filepath.Join(cwd, "pulse.db")

	addr := addrFromEnv(defaultAddr)
	storeKind := envOrDefault("PULSE_STORE", defaultStore)
	dbPath := envOrDefault("PULSE_DB_PATH", defaultDBPath)
	redisAddr := envOrDefault("PULSE_REDIS_ADDR", "127.0.0.1:6379")
	redisDB := 0
	if v := os.Getenv("PULSE_REDIS_DB"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PULSE_REDIS_DB: %w", err)
		}
		redisDB = parsed
	}
	archiveDir := os.Getenv("PULSE_ARCHIVE_DIR")
	configPath := os.Getenv("PULSE_CONFIG_PATH")
	logFormat := envOrDefault("PULSE_LOG_FORMAT", defaultLogFormat)
	logLevel := envOrDefault("PULSE_LOG_LEVEL", "info")

	engineCfg := engine.DefaultConfig()

	flagSet := flag.NewFlagSet("pulse-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagStore := flagSet.String("store", storeKind, "catalog backend: sqlite|redis")
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagRedis := flagSet.String("redis-addr", redisAddr, "Redis address when store=redis")
	flagRedisDB := flagSet.Int("redis-db", redisDB, "Redis database number")
	flagArchive := flagSet.String("archive-dir", archiveDir, "directory for exported runs (empty: delete without export)")
	flagConfig := flagSet.String("config", configPath, "optional YAML file with engine and retention settings")
	flagLogFormat := flagSet.String("log-format", logFormat, "log format: json|console")
	flagLogLevel := flagSet.String("log-level", logLevel, "log level: debug|info|warn|error")
	flagTLSCert := flagSet.String("tls-cert", os.Getenv("PULSE_TLS_CERT"), "TLS certificate file")
	flagTLSKey := flagSet.String("tls-key", os.Getenv("PULSE_TLS_KEY"), "TLS key file")
	flagNoPresets := flagSet.Bool("no-presets", os.Getenv("PULSE_NO_PRESETS") == "true", "do not seed preset scenarios")
	flagMaxWorkers := flagSet.Int("max-workers", engineCfg.MaxWorkers, "upper bound on workers per run")
	flagMaxEPS := flagSet.Float64("max-eps", engineCfg.MaxEPS, "upper bound on events per second per run")
	flagGrace := flagSet.String("cancel-grace", engineCfg.CancelGrace.String(), "how long in-flight deliveries may finish after cancel")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	config := Config{
		Addr:        strings.TrimSpace(*flagAddr),
		StoreKind:   strings.ToLower(strings.TrimSpace(*flagStore)),
		DBPath:      resolvePath(*flagDB, cwd),
		RedisAddr:   strings.TrimSpace(*flagRedis),
		RedisDB:     *flagRedisDB,
		ArchiveDir:  resolvePath(*flagArchive, cwd),
		LogFormat:   strings.ToLower(strings.TrimSpace(*flagLogFormat)),
		LogLevel:    strings.ToLower(strings.TrimSpace(*flagLogLevel)),
		TLSCertFile: resolvePath(*flagTLSCert, cwd),
		TLSKeyFile:  resolvePath(*flagTLSKey, cwd),
		NoPresets:   *flagNoPresets,
		Engine:      engineCfg,
		Retention: store.RetentionConfig{
			Enabled:       true,
			Retention:     30 * 24 * time.Hour,
			BatchSize:     100,
			CheckInterval: time.Hour,
		},
	}

	config.ConfigPath = resolvePath(*flagConfig, cwd)
	if config.ConfigPath != "" {
		if err := applyConfigFile(&config, config.ConfigPath); err != nil {
			return Config{}, err
		}
	}

	// Precedence: defaults, tuning file, environment, explicit flags.
	if err := applyEngineEnv(&config.Engine); err != nil {
		return Config{}, err
	}
	var flagErr error
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-workers":
			config.Engine.MaxWorkers = *flagMaxWorkers
		case "max-eps":
			config.Engine.MaxEPS = *flagMaxEPS
		case "cancel-grace":
			grace, err := time.ParseDuration(*flagGrace)
			if err != nil {
				flagErr = fmt.Errorf("invalid cancel grace: %w", err)
				return
			}
			config.Engine.CancelGrace = grace
		}
	})
	if flagErr != nil {
		return Config{}, flagErr
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	switch config.StoreKind {
	case "sqlite":
		if config.DBPath == "" {
			return Config{}, errors.New("store=sqlite requires db")
		}
	case "redis":
		if config.RedisAddr == "" {
			return Config{}, errors.New("store=redis requires redis-addr")
		}
	default:
		return Config{}, fmt.Errorf("unsupported store: %s", config.StoreKind)
	}
	if config.LogFormat != "json" && config.LogFormat != "console" {
		return Config{}, fmt.Errorf("unsupported log format: %s", config.LogFormat)
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}
	if config.Engine.MaxWorkers <= 0 {
		return Config{}, errors.New("max workers must be positive")
	}
	if config.Engine.MaxEPS <= 0 {
		return Config{}, errors.New("max eps must be positive")
	}
	if config.Engine.CancelGrace <= 0 {
		return Config{}, errors.New("cancel grace must be positive")
	}

	return config, nil
}

func applyConfigFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	fc := fileConfig{Engine: config.Engine, Retention: config.Retention}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	config.Engine = fc.Engine
	config.Retention = fc.Retention
	return nil
}

func applyEngineEnv(cfg *engine.Config) error {
	if v := os.Getenv("PULSE_MAX_WORKERS"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PULSE_MAX_WORKERS: %w", err)
		}
		cfg.MaxWorkers = parsed
	}
	if v := os.Getenv("PULSE_MAX_EPS"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid PULSE_MAX_EPS: %w", err)
		}
		cfg.MaxEPS = parsed
	}
	if v := os.Getenv("PULSE_ABORT_THRESHOLD"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PULSE_ABORT_THRESHOLD: %w", err)
		}
		cfg.AbortThreshold = parsed
	}
	if v := os.Getenv("PULSE_CANCEL_GRACE"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PULSE_CANCEL_GRACE: %w", err)
		}
		cfg.CancelGrace = parsed
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("PULSE_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("PULSE_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
