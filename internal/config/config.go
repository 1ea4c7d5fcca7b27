// Package config loads stepflow process settings from a YAML file and
// STEPFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/stepflow/internal/executor"
)

// Config holds the configuration for a stepflow process.
type Config struct {
	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Queue struct {
		Driver       string        `mapstructure:"driver"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		Collection   string        `mapstructure:"collection"`
		Prefix       string        `mapstructure:"prefix"`
	} `mapstructure:"queue"`
	Workers struct {
		Concurrency int           `mapstructure:"concurrency"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		RetryDelay  time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"workers"`
	Redis struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
		Prefix  string `mapstructure:"prefix"`
	} `mapstructure:"redis"`
	Mongo struct {
		Enabled  bool   `mapstructure:"enabled"`
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	HTTP struct {
		RequestsPerSecond float64       `mapstructure:"requests_per_second"`
		Burst             int           `mapstructure:"burst"`
		FailureThreshold  uint32        `mapstructure:"failure_threshold"`
		OpenTimeout       time.Duration `mapstructure:"open_timeout"`
		Timeout           time.Duration `mapstructure:"timeout"`
	} `mapstructure:"http"`
	Integrations []executor.WorkflowIntegration `mapstructure:"integrations"`
	Users        []User                         `mapstructure:"users"`
}

// User seeds the static directory used for approver lookups.
type User struct {
	ID    string   `mapstructure:"id"`
	Email string   `mapstructure:"email"`
	Roles []string `mapstructure:"roles"`
}

var (
	storeDrivers = []string{"memory", "sqlite", "postgres"}
	queueDrivers = []string{"memory", "sqlite", "postgres", "mongo", "redis"}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:stepflow.db?_pragma=journal_mode(WAL)")
	v.SetDefault("queue.driver", "")
	v.SetDefault("queue.poll_interval", 100*time.Millisecond)
	v.SetDefault("queue.collection", "stepflow_tasks")
	v.SetDefault("queue.prefix", "stepflow:")
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.retry_delay", 500*time.Millisecond)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "stepflow:")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "stepflow")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path (or ./stepflow.yaml, ./config/stepflow.yaml when path is
// empty) and overlays STEPFLOW_* environment variables. A missing default
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("stepflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stepflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = cfg.Store.Driver
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver names and the settings each driver needs.
func (c *Config) Validate() error {
	if !contains(storeDrivers, c.Store.Driver) {
		return fmt.Errorf("store.driver %q: want one of %s", c.Store.Driver, strings.Join(storeDrivers, ", "))
	}
	if !contains(queueDrivers, c.Queue.Driver) {
		return fmt.Errorf("queue.driver %q: want one of %s", c.Queue.Driver, strings.Join(queueDrivers, ", "))
	}
	if (c.Queue.Driver == "sqlite" || c.Queue.Driver == "postgres") && c.Queue.Driver != c.Store.Driver {
		return fmt.Errorf("queue.driver %q must share the %q store", c.Queue.Driver, c.Queue.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Workers.Concurrency <= 0 {
		return errors.New("workers.concurrency must be positive")
	}
	names := make(map[string]struct{}, len(c.Integrations))
	for _, it := range c.Integrations {
		if it.Name == "" {
			return errors.New("integration name is required")
		}
		if _, dup := names[it.Name]; dup {
			return fmt.Errorf("duplicate integration %q", it.Name)
		}
		names[it.Name] = struct{}{}
	}
	return nil
}

// HTTPPolicy converts the http section to the executor policy.
func (c *Config) HTTPPolicy() executor.HTTPPolicy {
	return executor.HTTPPolicy{
		RequestsPerSecond: c.HTTP.RequestsPerSecond,
		Burst:             c.HTTP.Burst,
		FailureThreshold:  c.HTTP.FailureThreshold,
		OpenTimeout:       c.HTTP.OpenTimeout,
		DefaultTimeout:    c.HTTP.Timeout,
	}
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
