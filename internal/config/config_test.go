package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/webhooks"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hookrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, time.Second, cfg.Worker.Interval)
	assert.Equal(t, "dev", cfg.Auth.Mode)

	p, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxRetries())
	assert.Equal(t, 16*time.Second, p.RetryDelay(5))
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("ORDERS_SECRET", "from-env")
	path := writeConfig(t, `
http:
  addr: ":9090"
store:
  driver: sqlite
  dsn: /var/lib/hookrelay/hookrelay.db
worker:
  interval: 250ms
  concurrency: 4
retry:
  strategy: fixed
  max_retries: 3
  initial_delay: 30s
retention:
  max_age: 168h
webhooks:
  - id: orders
    url: https://orders.example.com/hook
    events: [order.created, order.paid]
    secret: ${ORDERS_SECRET}
  - id: audit
    url: https://audit.example.com/hook
    events: ["*"]
    secret: s
    active: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.Interval)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 100, cfg.Worker.BatchSize, "unset keys keep their defaults")
	assert.Equal(t, 168*time.Hour, cfg.Retention.MaxAge)

	require.Len(t, cfg.Webhooks, 2)
	assert.Equal(t, "from-env", cfg.Webhooks[0].Secret)
	assert.True(t, cfg.Webhooks[0].IsActive())
	assert.False(t, cfg.Webhooks[1].IsActive())

	p, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, webhooks.FixedDelay{Retries: 3, Delay: 30 * time.Second}, p)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: \":9090\"\n")
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/hooks")
	t.Setenv("HOOKRELAY_WORKER_INTERVAL", "5s")
	t.Setenv("HOOKRELAY_RETRY_STRATEGY", "none")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/hooks", cfg.Store.DSN)
	assert.Equal(t, 5*time.Second, cfg.Worker.Interval)
	p, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 0, p.MaxRetries())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown driver":   "store:\n  driver: mongo\n",
		"sqlite no dsn":    "store:\n  driver: sqlite\n",
		"bad multiplier":   "retry:\n  multiplier: 1\n",
		"unknown strategy": "retry:\n  strategy: jitter\n",
		"hmac no secret":   "auth:\n  mode: hmac\n",
		"zero interval":    "worker:\n  interval: 0s\n",
		"duplicate hook":   "webhooks:\n  - id: a\n  - id: a\n",
		"malformed yaml":   "http: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("HOOKRELAY_WORKER_BATCH_SIZE", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "HOOKRELAY_WORKER_BATCH_SIZE")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
