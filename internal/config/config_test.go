package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CatalogPipeline/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		configPathEnv, databaseDSNEnv, geminiAPIKeyEnv, openRouterAPIKeyEnv,
		mlAPIKeyEnv, telegramTokenEnv, telegramChatIDEnv, logLevelEnv,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, ProviderFallback, cfg.Enrichment.Provider)
	assert.Equal(t, 2*time.Second, cfg.Collection.DefaultDelay)
	assert.Equal(t, 30*time.Second, cfg.Collection.RequestTimeout)
	assert.Equal(t, 3, cfg.Enrichment.Retry.MaxAttempts)
	assert.Equal(t, 60, cfg.Enrichment.RequestsPerMinute)
	assert.True(t, cfg.Enrichment.FallbackEnabled())

	jobs := cfg.Jobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Enabled)
	assert.Equal(t, 2*time.Second, jobs[0].MinDelay)
	assert.Equal(t, map[string]string{"books.toscrape.com": "GBP"}, cfg.CurrencyHints())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
logging:
  level: debug
  file: logs/pipeline.log
storage:
  driver: postgres
  dsn: postgres://file
enrichment:
  provider: gemini
  capabilities: [categorize, anomaly]
  fallback: false
  retry:
    baseDelay: 250ms
pipeline:
  phases: [collect, clean]
sources:
  - id: shop
    pages: [https://shop.example.com/list]
    delay: 5s
    enabled: false
    options:
      item: div.card
`)
	t.Setenv(databaseDSNEnv, "postgres://env")
	t.Setenv(geminiAPIKeyEnv, "g-key")
	t.Setenv(logLevelEnv, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "logs/pipeline.log", cfg.Logging.File)
	assert.Equal(t, "postgres://env", cfg.Storage.DSN)
	assert.Equal(t, "g-key", cfg.Enrichment.GeminiAPIKey)
	assert.False(t, cfg.Enrichment.FallbackEnabled())
	assert.Equal(t, 250*time.Millisecond, cfg.Enrichment.Retry.BaseDelay)
	assert.Equal(t, 3, cfg.Enrichment.Retry.MaxAttempts, "unset fields keep defaults")

	kinds, err := cfg.CapabilityKinds()
	require.NoError(t, err)
	assert.Equal(t, []domain.CapabilityKind{domain.Categorize, domain.Anomaly}, kinds)

	jobs := cfg.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.SourceJob{
		ID:       "shop",
		Name:     "shop",
		Scanner:  "catalog",
		Target:   domain.TargetStatic,
		Enabled:  false,
		Pages:    []string{"https://shop.example.com/list"},
		MinDelay: 5 * time.Second,
		Options:  map[string]string{"item": "div.card"},
	}, jobs[0])
}

func TestLoadUsesEnvPath(t *testing.T) {
	clearEnv(t)
	t.Setenv(configPathEnv, writeConfig(t, "collection:\n  concurrency: 7\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Collection.Concurrency)

	t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load("")
	assert.NoError(t, err, "a missing implicit config falls back to defaults")
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "storage: [not, a, map]"))
	assert.Error(t, err)

	cases := map[string]string{
		"unknown driver":     "storage:\n  driver: sqlite\n",
		"postgres no dsn":    "storage:\n  driver: postgres\n",
		"unknown provider":   "enrichment:\n  provider: magic\n",
		"unknown capability": "enrichment:\n  capabilities: [summarize]\n",
		"unknown phase":      "pipeline:\n  phases: [deploy]\n",
		"duplicate source":   "sources:\n  - id: a\n  - id: a\n",
		"missing source id":  "sources:\n  - name: nameless\n",
		"unknown target":     "sources:\n  - id: a\n    target: quantum\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}
