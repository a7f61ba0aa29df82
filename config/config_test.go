package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-ledger/config"
	"github.com/warp/lot-ledger/ledger"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, config.DriverSQLite, c.Store.Driver)
	assert.Empty(t, c.Redis.Addr)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, ledger.DefaultConfig(), c.LedgerConfig())
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a YAML file and an env override
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  dsn: postgres://ledger@localhost/ledger
redis:
  addr: localhost:6379
  lock_ttl: 5s
ledger:
  max_retries: 7
cors:
  allowed_origins: ["http://a.test"]
`), 0o600))
	t.Setenv("LEDGER_LEDGER_MAX_RETRIES", "9")
	t.Setenv("LEDGER_LEDGER_LOCK_WAIT", "250ms")
	t.Setenv("LEDGER_LOG_LEVEL", "debug")

	// WHEN: loading
	c, err := config.Load(path)

	// THEN: env wins over the file, the file over defaults
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, c.Store.Driver)
	assert.Equal(t, 5*time.Second, c.Redis.LockTTL)
	assert.Equal(t, 30*time.Second, c.Redis.CacheTTL)
	assert.Equal(t, 9, c.Ledger.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, c.Ledger.LockWait)
	assert.Equal(t, []string{"http://a.test"}, c.CORS.AllowedOrigins)

	log, err := config.NewLogger(c.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"LEDGER_STORE_DRIVER": "mongo"}},
		{"zero lock wait", map[string]string{"LEDGER_LEDGER_LOCK_WAIT": "0s"}},
		{"bad level", map[string]string{"LEDGER_LOG_LEVEL": "loud"}},
		{"negative retries", map[string]string{"LEDGER_LEDGER_MAX_RETRIES": "-1"}},
		{"lock ttl inside retry budget", map[string]string{
			"LEDGER_REDIS_ADDR":           "localhost:6379",
			"LEDGER_REDIS_LOCK_TTL":       "100ms",
			"LEDGER_LEDGER_RETRY_BACKOFF": "50ms",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, config.LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_HTTP_ADDR=:9999\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LEDGER_HTTP_ADDR") })

	require.NoError(t, config.LoadEnvFile(path))
	c, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.HTTP.Addr)
}
