package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "http://backend:8000")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "http://backend:8000", cfg.BackendBaseURL)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, 100, cfg.SessionMax)
	require.Equal(t, 5*time.Minute, cfg.NameCacheTTL)
	require.Equal(t, 15*time.Second, cfg.TurnDeadline)
	require.Equal(t, AdapterNone, cfg.LLMAdapter)
	require.Equal(t, 1000, cfg.MetricsMaxSamples)
	require.Equal(t, 24*time.Hour, cfg.MetricsTTL)
	require.True(t, cfg.MaskPII)
	require.Equal(t, StoreMemory, cfg.SessionStore)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "http://backend:8000/")
	t.Setenv("SESSION_TTL_SECONDS", "60")
	t.Setenv("TURN_DEADLINE_MS", "2000")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("MASK_PII", "true")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "http://backend:8000", cfg.BackendBaseURL, "trailing slash trimmed")
	require.Equal(t, time.Minute, cfg.SessionTTL)
	require.Equal(t, 2*time.Second, cfg.TurnDeadline)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoadRequiresBackendURL(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "")

	_, err := Load()
	require.ErrorContains(t, err, "BACKEND_BASE_URL")
}

func TestLoadRejectsUnknownAdapter(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "http://backend:8000")
	t.Setenv("LLM_ADAPTER", "mystery")

	_, err := Load()
	require.ErrorContains(t, err, "LLM_ADAPTER")
}

func TestLoadOpenAIAdapterNeedsKey(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "http://backend:8000")
	t.Setenv("LLM_ADAPTER", "openai")
	t.Setenv("LLM_API_KEY", "")

	_, err := Load()
	require.ErrorContains(t, err, "LLM_API_KEY")

	t.Setenv("LLM_API_KEY", "sk-test")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, AdapterOpenAI, cfg.LLMAdapter)
}

func TestLoadSQLiteStoreNeedsPath(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "http://backend:8000")
	t.Setenv("SESSION_STORE", "sqlite")

	_, err := Load()
	require.ErrorContains(t, err, "SESSION_STORE_PATH")
}

func TestRedactedHidesSecrets(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "http://backend:8000")
	t.Setenv("BACKEND_BEARER_TOKEN", "super-secret")

	cfg, err := Load()
	require.NoError(t, err)

	redacted := cfg.Redacted()
	for _, v := range redacted {
		require.NotEqual(t, "super-secret", v)
	}
	require.Equal(t, true, redacted["backend_token_set"])
}
