// Package config loads the service configuration from an optional YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string    `yaml:"env" env:"ENV" env-default:"local"`
	Log       Log       `yaml:"log"`
	HTTP      HTTP      `yaml:"http"`
	Store     Store     `yaml:"store"`
	Redis     Redis     `yaml:"redis"`
	Bus       Bus       `yaml:"bus"`
	Lock      Lock      `yaml:"lock"`
	Balance   Balance   `yaml:"balance"`
	Dedup     Dedup     `yaml:"dedup"`
	Telemetry Telemetry `yaml:"telemetry"`
	Breaker   Breaker   `yaml:"breaker"`
	Saga      Saga      `yaml:"saga"`
	// Roles lists the saga participants this process runs.
	Roles []string `yaml:"roles" env:"ROLES" env-separator:"," env-default:"order,payment,inventory"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Addr    string        `yaml:"addr" env:"HTTP_ADDR" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env:"HTTP_TIMEOUT" env-default:"4s"`
}

// Store selects where locks, counters and participant records live.
type Store struct {
	Backend string `yaml:"backend" env:"STORE_BACKEND" env-default:"memory"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Timeout  time.Duration `yaml:"timeout" env:"REDIS_TIMEOUT" env-default:"2s"`
}

type Bus struct {
	Backend      string        `yaml:"backend" env:"BUS_BACKEND" env-default:"memory"`
	Brokers      []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	NATSURL      string        `yaml:"nats_url" env:"NATS_URL" env-default:"nats://localhost:4222"`
	Partitions   int           `yaml:"partitions" env:"BUS_PARTITIONS" env-default:"4"`
	MaxRetries   int           `yaml:"max_retries" env:"BUS_MAX_RETRIES" env-default:"3"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"BUS_RETRY_BACKOFF" env-default:"100ms"`
	DLQ          bool          `yaml:"dlq" env:"BUS_DLQ" env-default:"true"`
}

type Lock struct {
	TTL        time.Duration `yaml:"ttl" env:"LOCK_TTL" env-default:"5s"`
	Retries    int           `yaml:"retries" env:"LOCK_RETRIES" env-default:"10"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"LOCK_RETRY_DELAY" env-default:"100ms"`
}

// Balance configures the demonstration account.
type Balance struct {
	Initial int64         `yaml:"initial" env:"BALANCE_INITIAL" env-default:"1000"`
	Delay   time.Duration `yaml:"delay" env:"BALANCE_DELAY" env-default:"50ms"`
}

type Dedup struct {
	Backend string        `yaml:"backend" env:"DEDUP_BACKEND" env-default:"store"`
	TTL     time.Duration `yaml:"ttl" env:"DEDUP_TTL" env-default:"24h"`
}

type Telemetry struct {
	Tracing bool `yaml:"tracing" env:"TRACING" env-default:"false"`
}

type Breaker struct {
	Threshold uint32        `yaml:"threshold" env:"BREAKER_THRESHOLD" env-default:"5"`
	Timeout   time.Duration `yaml:"timeout" env:"BREAKER_TIMEOUT" env-default:"10s"`
}

// Saga tunes the participants.
type Saga struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"SAGA_RECONCILE_INTERVAL" env-default:"5s"`
	// ApproveRate is the share of charges and reservations the demo decider
	// approves.
	ApproveRate  float64 `yaml:"approve_rate" env:"SAGA_APPROVE_RATE" env-default:"1"`
	PerOrderLock bool    `yaml:"per_order_lock" env:"SAGA_PER_ORDER_LOCK" env-default:"false"`
}

// Load reads path when it exists and falls back to the environment alone
// when path is empty or missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			return &cfg, cfg.validate()
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	return &cfg, cfg.validate()
}

// MustLoad is Load for main packages.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("error reading config: %v", err)
	}
	return cfg
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case "memory", "kafka", "nats":
	default:
		return fmt.Errorf("config: unknown bus backend %q", c.Bus.Backend)
	}
	switch c.Dedup.Backend {
	case "store", "local":
	default:
		return fmt.Errorf("config: unknown dedup backend %q", c.Dedup.Backend)
	}
	for _, r := range c.Roles {
		switch r {
		case "order", "payment", "inventory":
		default:
			return fmt.Errorf("config: unknown role %q", r)
		}
	}
	if c.Saga.ApproveRate < 0 || c.Saga.ApproveRate > 1 {
		return fmt.Errorf("config: approve rate must be within [0,1], got %v", c.Saga.ApproveRate)
	}
	if c.Bus.Partitions < 1 {
		return fmt.Errorf("config: bus partitions must be positive, got %d", c.Bus.Partitions)
	}
	return nil
}

// HasRole reports whether role is enabled.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
