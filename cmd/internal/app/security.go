package app

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// ValidateSecurityConfig enforces the client's security policy at startup.
//
// Fail-fast: a bearer token must not be sent in clear text, and persisted
// tokens must not land unsealed on disk, when the policy asks for it.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireTLS {
		u, err := url.Parse(cfg.APIBaseURL)
		if err != nil {
			return err
		}
		if !strings.EqualFold(u.Scheme, "https") && !isLoopbackHost(u.Hostname()) {
			return errors.New("security policy: BIDWATCH_REQUIRE_TLS=true but BIDWATCH_API_BASE_URL is not https")
		}
	}

	if cfg.RequireSealedStore && cfg.Store == StoreFile && strings.TrimSpace(cfg.StoreKeyHex) == "" {
		return errors.New("security policy: BIDWATCH_REQUIRE_SEALED_STORE=true but BIDWATCH_STORE_KEY_HEX is missing")
	}

	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
