package realtime

import (
	"fmt"
	"net/url"
	"strings"

	v1 "bidwatch/shared/contracts/status/v1"
)

// StatusURL derives the status socket URL for userID from the HTTP API base:
// http becomes ws, https becomes wss, and the path is /ws/status/{userID}
// on the same host. The user id is path-escaped.
func StatusURL(base, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidUser
	}

	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfig, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme: %q", ErrConfig, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrConfig)
	}

	u.User = nil
	u.Path = v1.PathPrefix + userID
	u.RawPath = v1.PathPrefix + url.PathEscape(userID)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
