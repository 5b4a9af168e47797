// Package config loads finmodel settings: defaults, then a YAML file, then
// a .env file, then FINMODEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// MaxExhaustiveLimit caps engine.max_exhaustive_actions; 2^n scenarios
	// run for n actions.
	MaxExhaustiveLimit = 20
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Templates TemplatesConfig `yaml:"templates"`
	Engine    EngineConfig    `yaml:"engine"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

type EngineConfig struct {
	FailFast             bool          `yaml:"fail_fast"`
	Parallelism          int           `yaml:"parallelism"`
	MaxExhaustiveActions int           `yaml:"max_exhaustive_actions"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Database:  DatabaseConfig{Driver: DriverSQLite, Path: "finmodel.db"},
		Templates: TemplatesConfig{Dir: "templates"},
		Engine:    EngineConfig{Parallelism: 4, MaxExhaustiveActions: 12},
		Log:       LogConfig{Level: "info", Format: "text"},
		Metrics:   MetricsConfig{Addr: ":9090"},
	}
}

// Load builds the configuration. An empty path skips the YAML layer. With no
// envFiles a .env in the working directory is read when present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("FINMODEL_DB_DRIVER", &c.Database.Driver)
	str("FINMODEL_DB_PATH", &c.Database.Path)
	str("DATABASE_URL", &c.Database.URL)
	str("FINMODEL_DB_URL", &c.Database.URL)
	str("FINMODEL_TEMPLATES_DIR", &c.Templates.Dir)
	str("FINMODEL_LOG_LEVEL", &c.Log.Level)
	str("FINMODEL_LOG_FORMAT", &c.Log.Format)
	str("FINMODEL_METRICS_ADDR", &c.Metrics.Addr)

	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean("FINMODEL_FAIL_FAST", &c.Engine.FailFast)
	boolean("FINMODEL_METRICS_ENABLED", &c.Metrics.Enabled)
	integer("FINMODEL_PARALLELISM", &c.Engine.Parallelism)
	integer("FINMODEL_MAX_EXHAUSTIVE_ACTIONS", &c.Engine.MaxExhaustiveActions)
	if v, ok := os.LookupEnv("FINMODEL_CACHE_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FINMODEL_CACHE_TTL: %w", err))
		} else {
			c.Engine.CacheTTL = d
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverNone:
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url (or DATABASE_URL) is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be one of none, sqlite, postgres", c.Database.Driver))
	}
	if c.Engine.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("engine.parallelism must not be negative, got %d", c.Engine.Parallelism))
	}
	if n := c.Engine.MaxExhaustiveActions; n < 1 || n > MaxExhaustiveLimit {
		errs = append(errs, fmt.Errorf("engine.max_exhaustive_actions must be in [1, %d], got %d", MaxExhaustiveLimit, n))
	}
	if c.Engine.CacheTTL < 0 {
		errs = append(errs, errors.New("engine.cache_ttl must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
}

// NewLogger builds the handler described by c.Log.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
