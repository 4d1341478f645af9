package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageMemory   = "memory"
)

// Event drivers.
const (
	EventsNone     = "none"
	EventsRedis    = "redis"
	EventsRabbitMQ = "rabbitmq"
)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERS_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage      string `default:"postgres" usage:"Storage backend: postgres, sqlite or memory"`
	DatabaseURL  string `yaml:"database_url" usage:"PostgreSQL connection URL (ORDERS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	SQLitePath   string `env:"SQLITE_PATH" yaml:"sqlite_path" default:"orders.db" usage:"SQLite database file, :memory: for a private in-memory database" flag:"sqlite-path"`
	SeedFile     string `yaml:"seed_file" usage:"Seed document applied at start for the sqlite and memory backends" flag:"seed-file"`
	APIKeyPepper string `env:"API_KEY_PEPPER" yaml:"api_key_pepper" usage:"HMAC pepper for API key hashing (ORDERS_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Events       EventsConfig
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Graceful     GracefulConfig
}

// EventsConfig selects where order lifecycle events go.
type EventsConfig struct {
	Driver       string `default:"none" usage:"Event publisher: none, redis or rabbitmq"`
	RedisURL     string `env:"REDIS_URL" yaml:"redis_url" usage:"Redis URL for the redis driver"`
	Stream       string `default:"orders.events" usage:"Redis stream receiving events"`
	StreamMaxLen int64  `env:"STREAM_MAX_LEN" yaml:"stream_max_len" default:"100000" usage:"Approximate Redis stream cap, 0 disables trimming"`
	AMQPURL      string `env:"AMQP_URL" yaml:"amqp_url" usage:"AMQP URL for the rabbitmq driver"`
	Exchange     string `default:"orders" usage:"RabbitMQ topic exchange"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window, 0 disables the limiter"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `yaml:"readiness_delay" default:"3s"  usage:"Delay after readiness=false before shutdown"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s" usage:"Maximum shutdown duration"`
}

// LoadConfig loads configuration from environment variables, flags and YAML
// config files, then validates it.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "ORDERS",
		Files:     []string{"config.yaml", "/etc/orders/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults honors the conventional DATABASE_URL and PORT
// variables set by hosting platforms.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate rejects unknown backends and drivers missing their endpoint.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required for postgres storage: set ORDERS_DATABASE_URL or DATABASE_URL")
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite path is required for sqlite storage")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}

	switch c.Events.Driver {
	case EventsNone, "":
	case EventsRedis:
		if c.Events.RedisURL == "" {
			return errors.New("redis URL is required for the redis event driver")
		}
	case EventsRabbitMQ:
		if c.Events.AMQPURL == "" {
			return errors.New("AMQP URL is required for the rabbitmq event driver")
		}
	default:
		return errors.Errorf("unknown event driver %q", c.Events.Driver)
	}

	if c.RateLimit.Max > 0 && c.RateLimit.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}
