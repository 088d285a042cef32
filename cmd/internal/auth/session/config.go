package session

import (
	"os"
	"strings"
)

// Config holds the auth endpoint paths, relative to the API base URL.
type Config struct {
	LoginPath    string
	RegisterPath string
}

// DefaultConfig returns the paths served by the bidwatch backend.
func DefaultConfig() Config {
	return Config{
		LoginPath:    "/auth/login",
		RegisterPath: "/auth/register",
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - BIDWATCH_AUTH_LOGIN_PATH
//   - BIDWATCH_AUTH_REGISTER_PATH
//
// Returns ErrConfig if a path is not absolute.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("BIDWATCH_AUTH_LOGIN_PATH")); v != "" {
		cfg.LoginPath = v
	}
	if v := strings.TrimSpace(os.Getenv("BIDWATCH_AUTH_REGISTER_PATH")); v != "" {
		cfg.RegisterPath = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for _, p := range []string{c.LoginPath, c.RegisterPath} {
		if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, "?# ") {
			return ErrConfig
		}
	}
	return nil
}
