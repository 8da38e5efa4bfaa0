package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ilyakaznacheev/cleanenv"
)

// Store engine names accepted in DatabaseConfig.Engine.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Config holds all configuration for mastr-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, full connection URLs) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// Database selects and configures the relational store.
	Database DatabaseConfig `yaml:"database"`

	// Sync holds defaults for incremental synchronization runs.
	Sync SyncConfig `yaml:"sync"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`

	// SchemaOverrides is an optional YAML file extending the built-in
	// export-file mapping without recompiling.
	SchemaOverrides string `yaml:"schema_overrides" env:"SCHEMA_OVERRIDES" env-default:""`
}

// DatabaseConfig holds store configuration. SQLite is the default engine;
// PostgreSQL is selected with engine "postgres" and the PG* variables.
type DatabaseConfig struct {
	Engine string `yaml:"engine" env:"DB_ENGINE" env-default:"sqlite"`

	// URL overrides everything else when set. Carries credentials, so
	// environment only.
	URL string `yaml:"-" env:"DATABASE_URL"`

	// Path is the SQLite database file. Empty means a per-user default
	// under the home directory, filled in by Load.
	Path string `yaml:"path" env:"SQLITE_PATH" env-default:""`

	Host     string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User     string `yaml:"user" env:"PGUSER" env-default:"mastr"`
	Password string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"PGDATABASE" env-default:"mastr"`
	SSLMode  string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	MaxOpenConns int `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns int `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"5"`
}

// SyncConfig holds defaults for backfill and drain runs.
type SyncConfig struct {
	// ChunkSize is the fetch page size.
	ChunkSize int `yaml:"chunk_size" env:"SYNC_CHUNK_SIZE" env-default:"1000"`
	// Parallel is the number of categories processed concurrently.
	Parallel int `yaml:"parallel" env:"SYNC_PARALLEL" env-default:"1"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	// File enables an additional size-rotated JSON log file when set.
	File       string `yaml:"file" env:"LOG_FILE" env-default:""`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"3"`
}

// Load reads configuration from config.yaml with environment variable
// overrides; when no config.yaml exists the environment alone is used. The
// version parameter is injected at build time and set on the returned
// Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.Database.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize validates the engine choice and fills the per-user default
// SQLite path.
func (c *DatabaseConfig) normalize() error {
	switch c.Engine {
	case EngineSQLite, EnginePostgres:
	default:
		return fmt.Errorf("unknown database engine %q (want %q or %q)", c.Engine, EngineSQLite, EnginePostgres)
	}

	if c.Engine == EngineSQLite && c.Path == "" && c.URL == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to derive default sqlite path: %w", err)
		}
		c.Path = filepath.Join(home, ".mastr-engine", "mastr.db")
	}
	return nil
}

// DSN returns the connection string for the configured engine. A postgres
// host of localhost is rewritten when running inside a container, so a
// dockered process reaches the database on the docker host.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Engine == EngineSQLite {
		return c.Path
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     hostForDocker(c.Host, IsRunningInDocker()) + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}
