package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Service.APIAddr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.InDelta(t, 100.0, cfg.Budget.DefaultMonthlyLimitUSD, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SweepInterval)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "postpilot-coordinator", cfg.Tracing.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  api_addr: ":7000"
redis:
  addr: "redis:6379"
budget:
  default_monthly_limit_usd: 250
scheduler:
  concurrency: 8
  sweep_interval: 30s
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Service.APIAddr)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.InDelta(t, 250.0, cfg.Budget.DefaultMonthlyLimitUSD, 1e-9)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: \"file:6379\"\n"), 0o644))

	t.Setenv("COORDINATOR_REDIS_ADDR", "env:6379")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
}

func TestVendorKeysFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-anthropic")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-openai", cfg.Providers.OpenAIKey)
	assert.Equal(t, "sk-test-anthropic", cfg.Providers.AnthropicKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Scheduler.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Budget.DefaultMonthlyLimitUSD = -5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestCatalogWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	catalog := models.NewCatalog()

	cw, err := NewCatalogWatcher(path, catalog, zap.NewNop())
	require.NoError(t, err)
	cw.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		cw.Run(ctx)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - id: gpt-4o-mini
    provider: openai
    tier: efficient
    input_per_mtok: 0.20
    output_per_mtok: 0.80
`), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := catalog.Get(models.ModelGPT4oMini); ok && d.InputPerMtok == 0.20 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	d, ok := catalog.Get(models.ModelGPT4oMini)
	require.True(t, ok)
	assert.InDelta(t, 0.20, d.InputPerMtok, 1e-9)

	// A corrupt write keeps the last good catalog.
	require.NoError(t, os.WriteFile(path, []byte("models: [broken"), 0o644))
	time.Sleep(100 * time.Millisecond)
	d, ok = catalog.Get(models.ModelGPT4oMini)
	require.True(t, ok)
	assert.InDelta(t, 0.20, d.InputPerMtok, 1e-9)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
