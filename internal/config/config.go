package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the UCP engine.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Provider  ProviderConfig
	Compiler  CompilerConfig
	Keys      KeysConfig
	Retention RetentionConfig
}

type DatabaseConfig struct {
	// URL selects the Postgres store when set; the in-memory store with
	// file snapshots is used otherwise.
	URL            string
	MaxConnections int
	SnapshotPath   string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// ProviderConfig is the default upstream chat-completion provider, used to
// seed the provider table on first boot.
type ProviderConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	ContextWindow   int
	MaxTokens       int
	CostPer1kInput  float64
	CostPer1kOutput float64
	TimeoutSeconds  int
}

type CompilerConfig struct {
	// RulesPath points at an optional YAML file of normalization rules
	// loaded at boot.
	RulesPath string
}

type KeysConfig struct {
	// DefaultRateLimit is the per-hour allowance for keys issued without
	// an explicit limit.
	DefaultRateLimit int
	// BootstrapKey, when set, is accepted as a plaintext admin key with
	// every permission. Intended for first boot before real keys exist.
	BootstrapKey string
}

type RetentionConfig struct {
	// SessionTTL is how long finished sessions and their hops are kept.
	SessionTTL time.Duration
	// SweepInterval is how often the janitor runs against stores that do
	// not evict on their own.
	SweepInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("UCP_PORT", 8080),
		Version: envStr("UCP_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			SnapshotPath:   envStr("UCP_SNAPSHOT_PATH", "ucp-state.json"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "ucp-engine"),
		},
		Provider: ProviderConfig{
			BaseURL:         envStr("UCP_PROVIDER_BASE_URL", "https://api.openai.com/v1"),
			APIKey:          envStr("UCP_PROVIDER_API_KEY", ""),
			Model:           envStr("UCP_PROVIDER_MODEL", "gpt-4o-mini"),
			ContextWindow:   envInt("UCP_PROVIDER_CONTEXT_WINDOW", 128000),
			MaxTokens:       envInt("UCP_PROVIDER_MAX_TOKENS", 4096),
			CostPer1kInput:  envFloat("UCP_PROVIDER_COST_IN", 0.00015),
			CostPer1kOutput: envFloat("UCP_PROVIDER_COST_OUT", 0.0006),
			TimeoutSeconds:  envInt("UCP_PROVIDER_TIMEOUT_SECONDS", 60),
		},
		Compiler: CompilerConfig{
			RulesPath: envStr("UCP_RULES_PATH", ""),
		},
		Keys: KeysConfig{
			DefaultRateLimit: envInt("UCP_KEY_RATE_LIMIT", 100),
			BootstrapKey:     envStr("UCP_BOOTSTRAP_KEY", ""),
		},
		Retention: RetentionConfig{
			SessionTTL:    envDuration("UCP_SESSION_TTL", 7*24*time.Hour),
			SweepInterval: envDuration("UCP_RETENTION_INTERVAL", time.Hour),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
