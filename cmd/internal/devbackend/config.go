package devbackend

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the dev backend.
type Config struct {
	Addr string

	// JWTSecret signs HS256 access tokens. Empty means a random per-process secret.
	JWTSecret string
	TokenTTL  time.Duration
	Issuer    string

	MaxBodyBytes int64

	// SeedEmail/SeedPassword create one account at startup when both are set.
	SeedEmail    string
	SeedPassword string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
}

// LoadConfigFromEnv loads dev backend config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Addr:              envString("BIDWATCH_DEVBACKEND_ADDR", ":8000"),
		JWTSecret:         strings.TrimSpace(os.Getenv("BIDWATCH_DEVBACKEND_JWT_SECRET")),
		TokenTTL:          envDuration("BIDWATCH_DEVBACKEND_TOKEN_TTL", time.Hour),
		Issuer:            envString("BIDWATCH_DEVBACKEND_ISSUER", "bidwatch-dev"),
		MaxBodyBytes:      envInt64("BIDWATCH_DEVBACKEND_MAX_BODY_BYTES", 1<<20), // 1 MiB
		SeedEmail:         strings.TrimSpace(os.Getenv("BIDWATCH_DEVBACKEND_SEED_EMAIL")),
		SeedPassword:      os.Getenv("BIDWATCH_DEVBACKEND_SEED_PASSWORD"),
		HeartbeatInterval: envDuration("BIDWATCH_DEVBACKEND_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatTimeout:  envDuration("BIDWATCH_DEVBACKEND_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WriteTimeout:      envDuration("BIDWATCH_DEVBACKEND_WS_WRITE_TIMEOUT", 5*time.Second),
		SendQueueSize:     envInt("BIDWATCH_DEVBACKEND_WS_SEND_QUEUE", 64),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.Issuer == "" {
		c.Issuer = "bidwatch-dev"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendQueueSize < 8 {
		c.SendQueueSize = 8
	}
	return c
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
