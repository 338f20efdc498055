// Package config provides configuration management for agentboard.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the agentboard daemon.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Executors  ExecutorsConfig  `mapstructure:"executors"`
	WorkerPool WorkerPoolConfig `mapstructure:"workerPool"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds the kanban op-log store configuration.
// Driver "sqlite" uses an embedded database at Path; driver "postgres"
// connects via DSN.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ExecutorConfig describes one agent executor kind.
type ExecutorConfig struct {
	Bin            string   `mapstructure:"bin"`            // binary path override; empty means look up on PATH
	Args           []string `mapstructure:"args"`           // extra command-line arguments
	Model          string   `mapstructure:"model"`          // model id override
	ThinkingBudget int      `mapstructure:"thinkingBudget"` // thinking-token budget override, 0 means agent default
}

// ExecutorsConfig holds per-executor-kind configuration.
// Claude is the required primary executor; Codex is optional and
// auto-detected on disk when no binary path is configured.
type ExecutorsConfig struct {
	WorkDir string         `mapstructure:"workDir"` // default project path for new sessions
	Claude  ExecutorConfig `mapstructure:"claude"`
	Codex   ExecutorConfig `mapstructure:"codex"`
}

// WorkerPoolConfig holds the pre-warmed fast-model pool configuration.
type WorkerPoolConfig struct {
	Model      string `mapstructure:"model"`      // fast model id
	CallBudget int    `mapstructure:"callBudget"` // per-call budget in seconds
}

// TracingConfig holds performance tracing configuration.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CallBudgetDuration returns the worker-pool per-call budget as a time.Duration.
func (w *WorkerPoolConfig) CallBudgetDuration() time.Duration {
	return time.Duration(w.CallBudget) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTBOARD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// DefaultStorePath returns the well-known store location under the user's
// config directory.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./agentboard.db"
	}
	return filepath.Join(home, ".agentboard", "board.db")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7180)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.dsn", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentboard")
	v.SetDefault("nats.maxReconnects", 10)

	// Executor defaults
	v.SetDefault("executors.workDir", "")
	v.SetDefault("executors.claude.bin", "")
	v.SetDefault("executors.claude.args", []string{})
	v.SetDefault("executors.claude.model", "")
	v.SetDefault("executors.claude.thinkingBudget", 0)
	v.SetDefault("executors.codex.bin", "")
	v.SetDefault("executors.codex.args", []string{})
	v.SetDefault("executors.codex.model", "")
	v.SetDefault("executors.codex.thinkingBudget", 0)

	// Worker pool defaults
	v.SetDefault("workerPool.model", "claude-haiku-latest")
	v.SetDefault("workerPool.callBudget", 10)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTBOARD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.agentboard/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// ACP_CWD is unprefixed for compatibility with agent tooling.
	_ = v.BindEnv("executors.workDir", "ACP_CWD", "AGENTBOARD_WORK_DIR")
	_ = v.BindEnv("executors.claude.bin", "AGENTBOARD_CLAUDE_BIN")
	_ = v.BindEnv("executors.claude.model", "AGENTBOARD_CLAUDE_MODEL")
	_ = v.BindEnv("executors.claude.thinkingBudget", "AGENTBOARD_THINKING_BUDGET")
	_ = v.BindEnv("executors.codex.bin", "AGENTBOARD_CODEX_BIN")
	_ = v.BindEnv("workerPool.model", "AGENTBOARD_POOL_MODEL")
	_ = v.BindEnv("tracing.enabled", "AGENTBOARD_PERF_TRACING")
	_ = v.BindEnv("store.path", "AGENTBOARD_STORE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agentboard"))
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	if cfg.WorkerPool.CallBudget <= 0 {
		errs = append(errs, "workerPool.callBudget must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
