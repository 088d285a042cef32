package devbackend

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when an access token fails verification or was revoked.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the access token claims. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 access tokens and tracks revocations.
type Tokens struct {
	key    []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> expiry
}

// NewTokens constructs a token manager. An empty secret gets a random key.
func NewTokens(secret, issuer string, ttl time.Duration) (*Tokens, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate jwt key: %w", err)
		}
	}
	if len(key) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{
		key:     key,
		issuer:  issuer,
		ttl:     ttl,
		leeway:  5 * time.Second,
		revoked: make(map[string]time.Time),
	}, nil
}

// Issue signs a token for userID.
func (t *Tokens) Issue(userID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(t.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, exp, nil
}

// Verify parses and validates a token and rejects revoked ones.
func (t *Tokens) Verify(tokenStr string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(t.leeway),
	)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return t.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	t.mu.Lock()
	_, revoked := t.revoked[claims.ID]
	t.mu.Unlock()
	if revoked {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Revoke invalidates a token until its natural expiry.
func (t *Tokens) Revoke(c *Claims, now time.Time) {
	if c == nil || c.ID == "" {
		return
	}
	exp := now.Add(t.ttl)
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.revoked[c.ID] = exp
	for id, e := range t.revoked {
		if now.After(e.Add(t.leeway)) {
			delete(t.revoked, id)
		}
	}
}
