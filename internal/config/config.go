package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gravitas-games/homestead/internal/economy"
)

// Config holds all server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	JWT      JWTConfig      `yaml:"jwt" toml:"jwt"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	Postgres PostgresConfig `yaml:"postgres" toml:"postgres"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Guard    GuardConfig    `yaml:"guard" toml:"guard"`
	Economy  economy.Config `yaml:"economy" toml:"economy"`
	Progress ProgressConfig `yaml:"progress" toml:"progress"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	// Catalog is the path of the master tables file.
	Catalog string `yaml:"catalog" toml:"catalog"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	Host       string `yaml:"host" toml:"host"`
	Port       int    `yaml:"port" toml:"port"`
	MaxPlayers int    `yaml:"max_players" toml:"max_players"`
	// ActionRate and ActionBurst bound economy actions per connection.
	ActionRate  float64 `yaml:"action_rate" toml:"action_rate"` // per second
	ActionBurst int     `yaml:"action_burst" toml:"action_burst"`
	// ReadyIntervalMs is how often completed jobs are announced.
	ReadyIntervalMs int `yaml:"ready_interval_ms" toml:"ready_interval_ms"`
}

// JWTConfig holds JWT authentication settings
type JWTConfig struct {
	Issuer              string `yaml:"issuer" toml:"issuer"`
	PublicKeyURL        string `yaml:"public_key_url" toml:"public_key_url"`
	PublicKeyRefreshHrs int    `yaml:"public_key_refresh_hours" toml:"public_key_refresh_hours"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address         string `yaml:"address" toml:"address"`
	Password        string `yaml:"password" toml:"password"`
	DB              int    `yaml:"db" toml:"db"`
	BlacklistPrefix string `yaml:"blacklist_prefix" toml:"blacklist_prefix"`
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
	// Migrate creates missing tables on startup.
	Migrate bool `yaml:"migrate" toml:"migrate"`
}

// StoreConfig selects the player record store
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // memory, redis or postgres
	Prefix  string `yaml:"prefix" toml:"prefix"`   // redis key prefix
}

// GuardConfig selects the transaction guard
type GuardConfig struct {
	Backend          string `yaml:"backend" toml:"backend"` // memory or redis
	Size             int    `yaml:"size" toml:"size"`
	Prefix           string `yaml:"prefix" toml:"prefix"`
	LockTTLSeconds   int    `yaml:"lock_ttl_seconds" toml:"lock_ttl_seconds"`
	ResultTTLMinutes int    `yaml:"result_ttl_minutes" toml:"result_ttl_minutes"`
}

// ProgressConfig holds quest progress ledger settings
type ProgressConfig struct {
	Path   string `yaml:"path" toml:"path"` // empty disables the sqlite ledger
	Buffer int    `yaml:"buffer" toml:"buffer"`
	Log    bool   `yaml:"log" toml:"log"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// Load reads configuration from a YAML file, or TOML when the path ends
// in .toml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration and applies defaults
func Parse(data []byte, isTOML bool) (*Config, error) {
	cfg := Config{Economy: economy.DefaultConfig()}
	if isTOML {
		err := toml.Unmarshal(data, &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) defaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxPlayers == 0 {
		cfg.Server.MaxPlayers = 100
	}
	if cfg.Server.ActionRate == 0 {
		cfg.Server.ActionRate = 10
	}
	if cfg.Server.ActionBurst == 0 {
		cfg.Server.ActionBurst = 20
	}
	if cfg.Server.ReadyIntervalMs == 0 {
		cfg.Server.ReadyIntervalMs = 1000
	}
	if cfg.JWT.PublicKeyRefreshHrs == 0 {
		cfg.JWT.PublicKeyRefreshHrs = 24
	}
	if cfg.Redis.BlacklistPrefix == "" {
		cfg.Redis.BlacklistPrefix = "blacklist:"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Prefix == "" {
		cfg.Store.Prefix = "homestead:"
	}
	if cfg.Guard.Backend == "" {
		cfg.Guard.Backend = "memory"
	}
	if cfg.Guard.Size == 0 {
		cfg.Guard.Size = 65536
	}
	if cfg.Guard.Prefix == "" {
		cfg.Guard.Prefix = "homestead:guard:"
	}
	if cfg.Guard.LockTTLSeconds == 0 {
		cfg.Guard.LockTTLSeconds = 30
	}
	if cfg.Guard.ResultTTLMinutes == 0 {
		cfg.Guard.ResultTTLMinutes = 60
	}
	if cfg.Progress.Buffer == 0 {
		cfg.Progress.Buffer = 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Catalog == "" {
		cfg.Catalog = "./configs/catalog.yaml"
	}
}

func (cfg *Config) validate() error {
	switch cfg.Store.Backend {
	case "memory", "redis":
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return fmt.Errorf("postgres store requires postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	switch cfg.Guard.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown guard backend %q", cfg.Guard.Backend)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Logging.Format)
	}
	return nil
}
