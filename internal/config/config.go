// Package config reads the environment once at startup and presents a
// single validated Config value to every component. No other package reads
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Adapter names accepted for LLM_ADAPTER.
const (
	AdapterNone   = "none"
	AdapterOpenAI = "openai"
)

// Session store backends accepted for SESSION_STORE.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the process-wide configuration.
type Config struct {
	ListenAddr string

	BackendBaseURL     string
	BackendBearerToken string

	// APIToken authenticates inbound converse/stats callers.
	APIToken string

	SessionTTL   time.Duration
	SessionMax   int
	SessionStore string
	SessionPath  string

	NameCacheTTL time.Duration
	TurnDeadline time.Duration

	LLMAdapter string
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	MetricsMaxSamples int
	MetricsTTL        time.Duration

	LogFormat string
	LogLevel  string
	MaskPII   bool
}

// Load reads recognized environment options, applies defaults and validates.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("SESSION_TTL_SECONDS", 1800)
	v.SetDefault("SESSION_MAX", 100)
	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("NAME_CACHE_TTL_SECONDS", 300)
	v.SetDefault("TURN_DEADLINE_MS", 15000)
	v.SetDefault("LLM_ADAPTER", AdapterNone)
	v.SetDefault("LLM_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("METRICS_MAX_SAMPLES", 1000)
	v.SetDefault("METRICS_TTL_HOURS", 24)
	v.SetDefault("LOG_FORMAT", "human")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MASK_PII", true)

	cfg := Config{
		ListenAddr:         v.GetString("LISTEN_ADDR"),
		BackendBaseURL:     strings.TrimRight(v.GetString("BACKEND_BASE_URL"), "/"),
		BackendBearerToken: v.GetString("BACKEND_BEARER_TOKEN"),
		APIToken:           v.GetString("HYDROCHAT_API_TOKEN"),
		SessionTTL:         time.Duration(v.GetInt("SESSION_TTL_SECONDS")) * time.Second,
		SessionMax:         v.GetInt("SESSION_MAX"),
		SessionStore:       strings.ToLower(v.GetString("SESSION_STORE")),
		SessionPath:        v.GetString("SESSION_STORE_PATH"),
		NameCacheTTL:       time.Duration(v.GetInt("NAME_CACHE_TTL_SECONDS")) * time.Second,
		TurnDeadline:       time.Duration(v.GetInt("TURN_DEADLINE_MS")) * time.Millisecond,
		LLMAdapter:         strings.ToLower(v.GetString("LLM_ADAPTER")),
		LLMAPIKey:          v.GetString("LLM_API_KEY"),
		LLMBaseURL:         strings.TrimRight(v.GetString("LLM_BASE_URL"), "/"),
		LLMModel:           v.GetString("LLM_MODEL"),
		MetricsMaxSamples:  v.GetInt("METRICS_MAX_SAMPLES"),
		MetricsTTL:         time.Duration(v.GetInt("METRICS_TTL_HOURS")) * time.Hour,
		LogFormat:          strings.ToLower(v.GetString("LOG_FORMAT")),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		MaskPII:            v.GetBool("MASK_PII"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if c.SessionMax <= 0 {
		return fmt.Errorf("SESSION_MAX must be positive, got %d", c.SessionMax)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must not be negative")
	}
	if c.TurnDeadline <= 0 {
		return fmt.Errorf("TURN_DEADLINE_MS must be positive")
	}
	switch c.SessionStore {
	case StoreMemory:
	case StoreSQLite:
		if c.SessionPath == "" {
			return fmt.Errorf("SESSION_STORE_PATH is required when SESSION_STORE=sqlite")
		}
	default:
		return fmt.Errorf("unknown SESSION_STORE %q", c.SessionStore)
	}
	switch c.LLMAdapter {
	case AdapterNone:
	case AdapterOpenAI:
		if c.LLMAPIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required when LLM_ADAPTER=%s", c.LLMAdapter)
		}
	default:
		return fmt.Errorf("unknown LLM_ADAPTER %q", c.LLMAdapter)
	}
	if c.LogFormat != "human" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be human or json, got %q", c.LogFormat)
	}
	if c.MetricsMaxSamples <= 0 {
		return fmt.Errorf("METRICS_MAX_SAMPLES must be positive")
	}
	return nil
}

// Redacted returns a loggable view with secrets removed.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"listen_addr":         c.ListenAddr,
		"backend_base_url":    c.BackendBaseURL,
		"backend_token_set":   c.BackendBearerToken != "",
		"api_token_set":       c.APIToken != "",
		"session_ttl":         c.SessionTTL.String(),
		"session_max":         c.SessionMax,
		"session_store":       c.SessionStore,
		"name_cache_ttl":      c.NameCacheTTL.String(),
		"turn_deadline":       c.TurnDeadline.String(),
		"llm_adapter":         c.LLMAdapter,
		"llm_api_key_set":     c.LLMAPIKey != "",
		"llm_model":           c.LLMModel,
		"metrics_max_samples": c.MetricsMaxSamples,
		"metrics_ttl":         c.MetricsTTL.String(),
		"log_format":          c.LogFormat,
		"mask_pii":            c.MaskPII,
	}
}
