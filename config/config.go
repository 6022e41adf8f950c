package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"

	QueueMemory   = "memory"
	QueueRedis    = "redis"
	QueueRabbitMQ = "rabbitmq"
)

// Duration wraps time.Duration so both TOML and YAML files can use strings
// such as "120h" or "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.Duration.String()), nil }

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config is the escrowd runtime configuration.
type Config struct {
	Listen    string          `toml:"listen" yaml:"listen"`
	Env       string          `toml:"env" yaml:"env"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Escrow    EscrowConfig    `toml:"escrow" yaml:"escrow"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Journal   JournalConfig   `toml:"journal" yaml:"journal"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// StorageConfig selects the key-value backend holding accounts and records.
type StorageConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
}

// EscrowConfig carries the program parameters.
type EscrowConfig struct {
	Maturity       Duration `toml:"maturity" yaml:"maturity"`
	RecordDeposit  uint64   `toml:"record_deposit" yaml:"record_deposit"`
	AccountDeposit uint64   `toml:"account_deposit" yaml:"account_deposit"`
	CrankReward    uint64   `toml:"crank_reward" yaml:"crank_reward"`
	// Faucet enables the development mint and airdrop routes.
	Faucet bool `toml:"faucet" yaml:"faucet"`
}

// SchedulerConfig wires the task store, dispatch queue and worker pool.
type SchedulerConfig struct {
	StoreDSN     string      `toml:"store_dsn" yaml:"store_dsn"`
	Queue        QueueConfig `toml:"queue" yaml:"queue"`
	Workers      int         `toml:"workers" yaml:"workers"`
	PollInterval Duration    `toml:"poll_interval" yaml:"poll_interval"`
	MaxAttempts  int         `toml:"max_attempts" yaml:"max_attempts"`
	// Executor is the address credited with crank rewards earned by this
	// node. Empty disables local execution.
	Executor string `toml:"executor" yaml:"executor"`
}

// QueueConfig selects the dispatch transport.
type QueueConfig struct {
	Kind     string `toml:"kind" yaml:"kind"`
	Address  string `toml:"address" yaml:"address"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	Key      string `toml:"key" yaml:"key"`
	URL      string `toml:"url" yaml:"url"`
	Name     string `toml:"name" yaml:"name"`
	Prefetch int    `toml:"prefetch" yaml:"prefetch"`
	Size     int    `toml:"size" yaml:"size"`
}

type JournalConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret    string `toml:"hmac_secret" yaml:"hmac_secret"`
	HMACSecretEnv string `toml:"hmac_secret_env" yaml:"hmac_secret_env"`
	Issuer        string `toml:"issuer" yaml:"issuer"`
	Audience      string `toml:"audience" yaml:"audience"`
}

// Secret returns the HMAC secret, preferring the environment variable when
// one is named and set.
func (a AuthConfig) Secret() string {
	if name := strings.TrimSpace(a.HMACSecretEnv); name != "" {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return a.HMACSecret
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps" yaml:"rps"`
	Burst int     `toml:"burst" yaml:"burst"`
}

type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string            `toml:"endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"headers" yaml:"headers"`
	Traces   bool              `toml:"traces" yaml:"traces"`
	Metrics  bool              `toml:"metrics" yaml:"metrics"`
}

// Default returns a configuration suitable for a local development node.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a TOML or YAML file, picked by extension, then applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path required")
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "local"
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Escrow.Maturity.Duration == 0 {
		cfg.Escrow.Maturity.Duration = 5 * 24 * time.Hour
	}
	if cfg.Escrow.RecordDeposit == 0 {
		cfg.Escrow.RecordDeposit = 1_559_040
	}
	if cfg.Escrow.AccountDeposit == 0 {
		cfg.Escrow.AccountDeposit = 2_039_280
	}
	if cfg.Escrow.CrankReward == 0 {
		cfg.Escrow.CrankReward = 1_000_001
	}
	if strings.TrimSpace(cfg.Scheduler.StoreDSN) == "" {
		cfg.Scheduler.StoreDSN = "file::memory:?cache=shared"
	}
	cfg.Scheduler.Queue.Kind = strings.ToLower(strings.TrimSpace(cfg.Scheduler.Queue.Kind))
	if cfg.Scheduler.Queue.Kind == "" {
		cfg.Scheduler.Queue.Kind = QueueMemory
	}
	if cfg.Scheduler.Queue.Key == "" {
		cfg.Scheduler.Queue.Key = "escrow:scheduler:tasks"
	}
	if cfg.Scheduler.Queue.Name == "" {
		cfg.Scheduler.Queue.Name = "escrow.scheduler.tasks"
	}
	if cfg.Scheduler.Queue.Size <= 0 {
		cfg.Scheduler.Queue.Size = 256
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 2
	}
	if cfg.Scheduler.PollInterval.Duration <= 0 {
		cfg.Scheduler.PollInterval.Duration = time.Second
	}
	if cfg.Scheduler.MaxAttempts <= 0 {
		cfg.Scheduler.MaxAttempts = 5
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		cfg.Auth.Issuer = "escrowd"
	}
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
}

func (cfg *Config) validate() error {
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage: path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Escrow.Maturity.Duration%time.Second != 0 {
		return fmt.Errorf("escrow: maturity must be whole seconds")
	}
	switch cfg.Scheduler.Queue.Kind {
	case QueueMemory:
	case QueueRedis:
		if strings.TrimSpace(cfg.Scheduler.Queue.Address) == "" {
			return fmt.Errorf("scheduler.queue: address required for redis")
		}
	case QueueRabbitMQ:
		if strings.TrimSpace(cfg.Scheduler.Queue.URL) == "" {
			return fmt.Errorf("scheduler.queue: url required for rabbitmq")
		}
	default:
		return fmt.Errorf("scheduler.queue: unknown kind %q", cfg.Scheduler.Queue.Kind)
	}
	if strings.TrimSpace(cfg.Auth.Secret()) == "" {
		return fmt.Errorf("auth: hmac_secret or hmac_secret_env required")
	}
	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
			return fmt.Errorf("telemetry: endpoint required when exporters are enabled")
		}
	}
	return nil
}
