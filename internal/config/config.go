package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	RedisURL        string
	LogLevel        string
	AnthropicAPIKey string
	AnthropicModel  string
	SlackBotToken   string
	SlackChannel    string
	APIToken        string

	// Chunking options consumed by the splitter and orchestrator.
	ChunkSize       int
	ChunkingEnabled bool
	MinChunkLength  int

	// Keep-alive session tuning.
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	ReconnectDelay    time.Duration
	MaxRetries        int

	// Worker-side request budget for the upstream model.
	RatePerMinute int
	CacheTTL      time.Duration
}

func Load() Config {
	return Config{
		Port:              envInt("SCRIBE_PORT", 8760),
		NatsURL:           envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:         envStr("NATS_TOKEN", ""),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		RedisURL:          envStr("REDIS_URL", ""),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:    envStr("SCRIBE_MODEL", "claude-sonnet-4-20250514"),
		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:      envStr("SLACK_CHANNEL", ""),
		APIToken:          envStr("SCRIBE_API_TOKEN", ""),
		ChunkSize:         envInt("SCRIBE_CHUNK_SIZE", 10000),
		ChunkingEnabled:   envBool("SCRIBE_CHUNKING_ENABLED", true),
		MinChunkLength:    envInt("SCRIBE_MIN_CHUNK_LENGTH", 200),
		HeartbeatInterval: envDuration("SCRIBE_HEARTBEAT_INTERVAL", 20*time.Second),
		HeartbeatJitter:   envDuration("SCRIBE_HEARTBEAT_JITTER", 5*time.Second),
		ReconnectDelay:    envDuration("SCRIBE_RECONNECT_DELAY", time.Second),
		MaxRetries:        envInt("SCRIBE_MAX_RETRIES", 5),
		RatePerMinute:     envInt("SCRIBE_RATE_PER_MINUTE", 10),
		CacheTTL:          envDuration("SCRIBE_CACHE_TTL", 30*24*time.Hour),
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
		if n, err := strconv.Atoi(v); err == nil {
			return n
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

// envDuration accepts Go duration strings ("20s") or bare milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
