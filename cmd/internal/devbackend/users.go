package devbackend

import (
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailTaken is returned when registering an existing email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidInput is returned for malformed registration data.
	ErrInvalidInput = errors.New("invalid input")
)

const minPasswordLen = 8

// User is the public account projection.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type account struct {
	user User
	hash []byte
}

// Users is an in-memory account registry with bcrypt password hashes.
type Users struct {
	cost int

	mu      sync.RWMutex
	byEmail map[string]*account
	byID    map[string]*account

	dummyHash []byte
}

// NewUsers constructs a registry. cost <= 0 uses bcrypt.DefaultCost.
func NewUsers(cost int) *Users {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	u := &Users{
		cost:    cost,
		byEmail: make(map[string]*account),
		byID:    make(map[string]*account),
	}
	// Dummy hash for timing-resistant login checks.
	if h, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing-only"), cost); err == nil {
		u.dummyHash = h
	}
	return u
}

func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Register creates an account.
func (u *Users) Register(email, password, displayName string, now time.Time) (User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || len(password) < minPasswordLen {
		return User{}, ErrInvalidInput
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return User{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byEmail[email]; ok {
		return User{}, ErrEmailTaken
	}
	acc := &account{
		user: User{
			ID:          uuid.NewString(),
			Email:       email,
			DisplayName: displayName,
			Role:        "bidder",
			CreatedAt:   now.UTC(),
		},
		hash: hash,
	}
	u.byEmail[email] = acc
	u.byID[acc.user.ID] = acc
	return acc.user, nil
}

// Authenticate checks email and password.
func (u *Users) Authenticate(email, password string) (User, error) {
	u.mu.RLock()
	acc, ok := u.byEmail[normalizeEmail(email)]
	u.mu.RUnlock()

	if !ok {
		if u.dummyHash != nil {
			_ = bcrypt.CompareHashAndPassword(u.dummyHash, []byte(password))
		}
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return acc.user, nil
}

// Get returns the user by id.
func (u *Users) Get(id string) (User, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	acc, ok := u.byID[id]
	if !ok {
		return User{}, false
	}
	return acc.user, true
}
