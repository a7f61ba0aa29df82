/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults below
  2. Optional YAML file (-config flag)
  3. LEDGER_* environment variables, e.g. LEDGER_STORE_DRIVER,
     LEDGER_REDIS_LOCK_TTL. A .env file is read into the environment
     first and never overrides variables that are already set.

EXAMPLE (ledger.yaml):
  http:
    addr: ":8080"
  store:
    driver: postgres
    dsn: postgres://ledger@localhost/ledger?sslmode=disable
  redis:
    addr: localhost:6379
    lock_ttl: 10s
  ledger:
    max_retries: 5
  cors:
    allowed_origins: ["http://localhost:5173"]

SEE ALSO:
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/warp/lot-ledger/ledger"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Store struct {
		Driver string
		DSN    string
	} `mapstructure:"store"`

	// Redis is optional; an empty Addr keeps locks and catalog in process.
	Redis struct {
		Addr     string
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"redis"`

	Ledger struct {
		MaxRetries   int           `mapstructure:"max_retries"`
		RetryBackoff time.Duration `mapstructure:"retry_backoff"`
		LockWait     time.Duration `mapstructure:"lock_wait"`
	} `mapstructure:"ledger"`

	Log struct {
		Level string
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`

	Scenarios struct {
		Enabled bool
	} `mapstructure:"scenarios"`
}

func setDefaults(v *viper.Viper) {
	def := ledger.DefaultConfig()
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "ledger.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.lock_ttl", 10*time.Second)
	v.SetDefault("redis.cache_ttl", 30*time.Second)
	v.SetDefault("ledger.max_retries", def.MaxRetries)
	v.SetDefault("ledger.retry_backoff", def.RetryBackoff)
	v.SetDefault("ledger.lock_wait", def.LockWait)
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("scenarios.enabled", false)
}

// Load reads the optional file at path, then the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// LoadEnvFile copies a .env file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	err := gotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q: want memory, sqlite or postgres", c.Store.Driver)
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger.max_retries must not be negative")
	}
	if c.Ledger.LockWait <= 0 {
		return fmt.Errorf("ledger.lock_wait must be positive")
	}
	if c.Redis.Addr != "" {
		if c.Redis.LockTTL <= 0 {
			return fmt.Errorf("redis.lock_ttl must be positive")
		}
		if budget := c.LedgerConfig().RetryBudget(); c.Redis.LockTTL <= budget {
			return fmt.Errorf("redis.lock_ttl %s must exceed the retry backoff budget %s", c.Redis.LockTTL, budget)
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LedgerConfig returns the service settings.
func (c Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		MaxRetries:   c.Ledger.MaxRetries,
		RetryBackoff: c.Ledger.RetryBackoff,
		LockWait:     c.Ledger.LockWait,
	}
}

// NewLogger returns a JSON logger on stdout at the configured level.
func NewLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)
	return log, nil
}
