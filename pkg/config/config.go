// Package config holds global settings for the SafePrompt gateway.
// Everything is configurable via environment variables, with model pools
// optionally loaded from a YAML file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/safeprompt/gateway/pkg/judge"
	"github.com/safeprompt/gateway/pkg/session"
)

// StoreBackend selects where sessions live.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"   // single node, default
	StoreRedis    StoreBackend = "redis"    // multi-node deployments
	StorePostgres StoreBackend = "postgres" // durable history
)

// Config holds global settings for the validation gateway.
type Config struct {
	// === Core ===
	Env         string // "development" or "production"
	ListenAddr  string // gateway bind address (default ":8080")
	MetricsAddr string // Prometheus listener (default ":9090", empty disables)

	// === Authentication ===
	APIKeys []string // accepted X-API-Key values (REQUIRED in production)

	// === Judges ===
	JudgeBaseURL  string  // OpenAI-compatible chat completions base URL
	JudgeAPIKey   string  // API key for the judge provider
	ModelPoolPath string  // optional YAML file overriding the model pools
	HighSafe      float64 // pass-1 low-risk shortcut threshold (default 0.80)
	HighUnsafe    float64 // pass-1 high-risk shortcut threshold (default 0.90)
	Pass1Timeout  time.Duration
	Pass2Timeout  time.Duration

	// === Sessions ===
	SessionStore      StoreBackend
	RedisURL          string
	DatabaseURL       string
	SessionTTL        time.Duration
	OverrideThreshold float64 // multi-turn pattern override cutoff (default 0.85)

	// === Semantic stage (optional) ===
	EnableSemantic  bool
	EmbeddingsURL   string // OpenAI-compatible base URL for /embeddings
	EmbeddingsModel string

	// === Rate limiting ===
	RateLimitRPS   float64 // sustained requests/second per API key
	RateLimitBurst int

	// === Testing ===
	// TestingBackdoor enables the sentinel-prefix short circuit in the
	// escalation engine. Never enable in production.
	TestingBackdoor bool
}

// NewDefaultConfig builds a Config from environment variables with
// sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Env:         GetEnv("SAFEPROMPT_ENV", "development"),
		ListenAddr:  GetEnv("SAFEPROMPT_LISTEN_ADDR", ":8080"),
		MetricsAddr: GetEnv("SAFEPROMPT_METRICS_ADDR", ":9090"),

		APIKeys: GetEnvSlice("SAFEPROMPT_API_KEYS", nil),

		JudgeBaseURL:  GetEnv("SAFEPROMPT_JUDGE_BASE_URL", judge.DefaultBaseURL),
		JudgeAPIKey:   GetEnv("SAFEPROMPT_JUDGE_API_KEY", os.Getenv("OPENROUTER_API_KEY")),
		ModelPoolPath: GetEnv("SAFEPROMPT_MODEL_POOLS", ""),
		HighSafe:      GetEnvFloat("SAFEPROMPT_HIGH_SAFE_THRESHOLD", 0.80),
		HighUnsafe:    GetEnvFloat("SAFEPROMPT_HIGH_UNSAFE_THRESHOLD", 0.90),
		Pass1Timeout:  time.Duration(GetEnvInt("SAFEPROMPT_PASS1_TIMEOUT_MS", 2000)) * time.Millisecond,
		Pass2Timeout:  time.Duration(GetEnvInt("SAFEPROMPT_PASS2_TIMEOUT_MS", 5000)) * time.Millisecond,

		SessionStore:      StoreBackend(GetEnv("SAFEPROMPT_SESSION_STORE", string(StoreMemory))),
		RedisURL:          GetEnv("SAFEPROMPT_REDIS_URL", ""),
		DatabaseURL:       GetEnv("SAFEPROMPT_DATABASE_URL", ""),
		SessionTTL:        time.Duration(GetEnvInt("SAFEPROMPT_SESSION_TTL_SECONDS", int(session.DefaultTTL.Seconds()))) * time.Second,
		OverrideThreshold: GetEnvFloat("SAFEPROMPT_OVERRIDE_THRESHOLD", session.DefaultOverrideThreshold),

		EnableSemantic:  GetEnvBool("SAFEPROMPT_ENABLE_SEMANTIC", false),
		EmbeddingsURL:   GetEnv("SAFEPROMPT_EMBEDDINGS_URL", ""),
		EmbeddingsModel: GetEnv("SAFEPROMPT_EMBEDDINGS_MODEL", "openai/text-embedding-3-small"),

		RateLimitRPS:   GetEnvFloat("SAFEPROMPT_RATE_LIMIT_RPS", 10),
		RateLimitBurst: GetEnvInt("SAFEPROMPT_RATE_LIMIT_BURST", 20),

		TestingBackdoor: GetEnvBool("SAFEPROMPT_TESTING_BACKDOOR", false),
	}
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// JudgeConfig assembles the escalation engine configuration, loading model
// pools from YAML when a pool file is configured.
func (c *Config) JudgeConfig() (judge.Config, error) {
	cfg := judge.Config{
		HighSafeThreshold:   c.HighSafe,
		HighUnsafeThreshold: c.HighUnsafe,
		Pass1Timeout:        c.Pass1Timeout,
		Pass2Timeout:        c.Pass2Timeout,
		TestingBackdoor:     c.TestingBackdoor,
	}

	if c.ModelPoolPath != "" {
		pass1, pass2, err := LoadModelPools(c.ModelPoolPath)
		if err != nil {
			return judge.Config{}, fmt.Errorf("load model pools: %w", err)
		}
		cfg.Pass1Pool = pass1
		cfg.Pass2Pool = pass2
	}

	return cfg, nil
}

// Validate checks that required configuration is present. In production
// missing secrets are fatal; in development they only warn so local runs
// stay frictionless.
func (c *Config) Validate() error {
	var missing []string

	switch c.SessionStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			missing = append(missing, "SAFEPROMPT_REDIS_URL (redis session store selected)")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "SAFEPROMPT_DATABASE_URL (postgres session store selected)")
		}
	default:
		return fmt.Errorf("unknown session store backend %q", c.SessionStore)
	}

	if c.HighSafe <= 0 || c.HighSafe >= 1 || c.HighUnsafe <= 0 || c.HighUnsafe >= 1 {
		return fmt.Errorf("thresholds must be in (0, 1): highSafe=%.2f highUnsafe=%.2f", c.HighSafe, c.HighUnsafe)
	}

	if c.EnableSemantic && c.EmbeddingsURL == "" {
		missing = append(missing, "SAFEPROMPT_EMBEDDINGS_URL (semantic stage enabled)")
	}

	if !c.IsProduction() {
		if len(c.APIKeys) == 0 {
			log.Printf("[STARTUP] Warning: SAFEPROMPT_API_KEYS not set - gateway accepts no callers")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
		}
		return nil
	}

	if len(c.APIKeys) == 0 {
		missing = append(missing, "SAFEPROMPT_API_KEYS (gateway authentication)")
	}
	if c.JudgeAPIKey == "" {
		missing = append(missing, "SAFEPROMPT_JUDGE_API_KEY (escalation engine)")
	}
	if c.TestingBackdoor {
		return fmt.Errorf("SAFEPROMPT_TESTING_BACKDOOR must not be enabled in production")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MustValidate calls Validate and fatally exits on failure. Call at
// startup before serving traffic.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: configuration validation failed: %v", err)
	}
}

// Helper functions for environment variable parsing.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvSlice returns a comma-separated list from an environment variable or a default value.
func GetEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
