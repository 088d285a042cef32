package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bidwatch/cmd/internal/httpclient"
)

// Store backends selectable with BIDWATCH_STORE.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// ErrConfig is returned by Config.Validate.
var ErrConfig = errors.New("invalid config")

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	APIBaseURL string

	LogLevel  string
	LogFormat string // json | pretty

	HTTPTimeout     time.Duration
	HTTPMaxAttempts int
	HTTPRetryBase   time.Duration
	HTTPRetryMax    time.Duration

	Store       string
	StorePath   string
	StoreKeyHex string
	RedisAddr   string
	RedisPrefix string
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	WSReconnectDelay    time.Duration
	WSMaxReconnects     int
	WSStableAfter       time.Duration
	WSHeartbeatInterval time.Duration // 0 disables client pings
	WSHeartbeatTimeout  time.Duration

	// OpsAddr serves /healthz, /readyz and /metrics. Empty disables the listener.
	OpsAddr string

	// Email and Password log in at startup when no session was restored.
	Email    string
	Password string

	// Security policy:
	// RequireTLS rejects a plain-http API base unless the host is loopback.
	// RequireSealedStore rejects an unsealed file store.
	RequireTLS         bool
	RequireSealedStore bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		APIBaseURL: EnvString("BIDWATCH_API_BASE_URL", "http://127.0.0.1:8000"),

		LogLevel:  EnvString("BIDWATCH_LOG_LEVEL", "info"),
		LogFormat: EnvOneOf("BIDWATCH_LOG_FORMAT", "json", "json", "pretty"),

		HTTPTimeout:     EnvDuration("BIDWATCH_HTTP_TIMEOUT", 15*time.Second),
		HTTPMaxAttempts: EnvInt("BIDWATCH_HTTP_MAX_ATTEMPTS", 3),
		HTTPRetryBase:   EnvDuration("BIDWATCH_HTTP_RETRY_BASE", 250*time.Millisecond),
		HTTPRetryMax:    EnvDuration("BIDWATCH_HTTP_RETRY_MAX", 2*time.Second),

		Store:       EnvOneOf("BIDWATCH_STORE", StoreFile, StoreMemory, StoreFile, StoreRedis, StorePostgres),
		StorePath:   EnvString("BIDWATCH_STORE_PATH", defaultStorePath()),
		StoreKeyHex: EnvSecret("BIDWATCH_STORE_KEY_HEX"),
		RedisAddr:   EnvString("BIDWATCH_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPrefix: EnvString("BIDWATCH_REDIS_PREFIX", "bidwatch"),
		DatabaseURL: EnvString("BIDWATCH_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("BIDWATCH_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("BIDWATCH_DB_MIN_CONNS", 0),

		WSReconnectDelay:    EnvDuration("BIDWATCH_WS_RECONNECT_DELAY", 3*time.Second),
		WSMaxReconnects:     EnvInt("BIDWATCH_WS_MAX_RECONNECTS", 3),
		WSStableAfter:       EnvDuration("BIDWATCH_WS_STABLE_AFTER", 30*time.Second),
		WSHeartbeatInterval: EnvDurationOrOff("BIDWATCH_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("BIDWATCH_WS_HEARTBEAT_TIMEOUT", 5*time.Second),

		OpsAddr: EnvString("BIDWATCH_OPS_ADDR", "127.0.0.1:9464"),

		Email:    EnvString("BIDWATCH_EMAIL", ""),
		Password: EnvSecret("BIDWATCH_PASSWORD"),

		RequireTLS:         EnvBool("BIDWATCH_REQUIRE_TLS", false),
		RequireSealedStore: EnvBool("BIDWATCH_REQUIRE_SEALED_STORE", false),
	}
}

// Validate checks cross-field requirements that defaults cannot repair.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if c.StorePath == "" {
			return fmt.Errorf("%w: BIDWATCH_STORE=file requires BIDWATCH_STORE_PATH", ErrConfig)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: BIDWATCH_STORE=postgres requires BIDWATCH_DATABASE_URL", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrConfig, c.Store)
	}
	if c.HTTPMaxAttempts > httpclient.AttemptLimit {
		return fmt.Errorf("%w: BIDWATCH_HTTP_MAX_ATTEMPTS must be at most %d", ErrConfig, httpclient.AttemptLimit)
	}
	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("%w: BIDWATCH_EMAIL and BIDWATCH_PASSWORD must be set together", ErrConfig)
	}
	return nil
}

// defaultStorePath is <user config dir>/bidwatch/session.json, or empty when
// the platform has no config dir.
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ""
	}
	return filepath.Join(dir, "bidwatch", "session.json")
}
