// Package config loads engine settings from an optional YAML file, a .env
// file and FLOWFORGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Frowell/Flowforge-sub002/internal/logging"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// Config is the full engine configuration.
type Config struct {
	HTTP struct {
		Addr        string   `mapstructure:"addr"`
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"http"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`

	// Metadata is read from PostgreSQL when DSN is set, else from File.
	Metadata struct {
		DSN  string `mapstructure:"dsn"`
		File string `mapstructure:"file"`
	} `mapstructure:"metadata"`

	Analytics struct {
		Backend string `mapstructure:"backend"`
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"analytics"`

	// Redis relays refresh events across replicas. Empty Addr disables it.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Schema struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"schema"`

	Compiler struct {
		DefaultLookback time.Duration `mapstructure:"default_lookback"`
	} `mapstructure:"compiler"`

	Rollup struct {
		Granularities []string      `mapstructure:"granularities"`
		Debounce      time.Duration `mapstructure:"debounce"`
		Workers       int           `mapstructure:"workers"`
	} `mapstructure:"rollup"`

	Query struct {
		Timeout      time.Duration `mapstructure:"timeout"`
		FreshnessLag time.Duration `mapstructure:"freshness_lag"`
	} `mapstructure:"query"`

	Widget struct {
		ResultTTL      time.Duration `mapstructure:"result_ttl"`
		MaxRetries     int           `mapstructure:"max_retries"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxEntries     int           `mapstructure:"max_entries"`
	} `mapstructure:"widget"`

	Notifier struct {
		Buffer int `mapstructure:"buffer"`
	} `mapstructure:"notifier"`

	Log logging.Config `mapstructure:"log"`
}

var defaults = map[string]any{
	"http.addr":                 ":8080",
	"http.cors_origins":         []string{"*"},
	"grpc.addr":                 ":50051",
	"metadata.dsn":              "",
	"metadata.file":             "metadata.yaml",
	"analytics.backend":         string(store.BackendSQLite),
	"analytics.dsn":             "flowforge.db",
	"redis.addr":                "",
	"redis.password":            "",
	"redis.db":                  0,
	"schema.ttl":                30 * time.Second,
	"compiler.default_lookback": 24 * time.Hour,
	"rollup.granularities":      []string{"hour", "day"},
	"rollup.debounce":           2 * time.Second,
	"rollup.workers":            8,
	"query.timeout":             5 * time.Second,
	"query.freshness_lag":       time.Minute,
	"widget.result_ttl":         15 * time.Second,
	"widget.max_retries":        2,
	"widget.initial_backoff":    100 * time.Millisecond,
	"widget.max_entries":        10000,
	"notifier.buffer":           16,
	"log.level":                 "info",
	"log.encoding":              "console",
	"log.file":                  "",
	"log.max_size_mb":           100,
	"log.max_backups":           3,
	"log.max_age_days":          7,
	"log.development":           false,
}

// Load reads configuration. An empty path looks for flowforge.yaml in the
// working directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("FLOWFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path == "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.Granularities(); err != nil {
		return err
	}
	switch store.Backend(c.Analytics.Backend) {
	case store.BackendSQLite, store.BackendPostgres:
	default:
		return fmt.Errorf("unsupported analytics backend %q", c.Analytics.Backend)
	}
	if c.Metadata.DSN == "" && c.Metadata.File == "" {
		return fmt.Errorf("either metadata.dsn or metadata.file is required")
	}
	if c.Widget.MaxRetries < 0 {
		return fmt.Errorf("widget.max_retries must not be negative")
	}
	return nil
}

// Granularities parses the configured rollup granularities.
func (c *Config) Granularities() ([]store.Granularity, error) {
	out := make([]store.Granularity, 0, len(c.Rollup.Granularities))
	for _, raw := range c.Rollup.Granularities {
		g, err := store.ParseGranularity(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("rollup.granularities: %w", err)
		}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rollup.granularities must not be empty")
	}
	return out, nil
}
