package session

import "strings"

// Status is the session state.
type Status uint8

const (
	StatusInitializing Status = iota
	StatusAnonymous
	// StatusPending is observable while a login started from Anonymous is in flight.
	StatusPending
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusPending:
		return "pending"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "initializing"
	}
}

// User is the read-only projection returned by the auth endpoint at login.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

func (u User) valid() bool { return strings.TrimSpace(u.ID) != "" }

// Session is a consistent copy of the manager's state.
// Token and User are set iff Status is StatusAuthenticated.
type Session struct {
	Status Status
	Token  string
	User   User
}

// Authenticated reports whether the session carries a token and user.
func (s Session) Authenticated() bool { return s.Status == StatusAuthenticated }

// Reason says why a transition happened.
type Reason string

const (
	ReasonInitialize  Reason = "initialize"
	ReasonLogin       Reason = "login"
	ReasonLogout      Reason = "logout"
	ReasonInvalidated Reason = "invalidated"
)

// Transition is published after a state change is complete.
//
// Login while already authenticated publishes Authenticated to Authenticated
// with the new session; observers compare user ids to detect a switch.
type Transition struct {
	From    Status
	To      Status
	Session Session
	Reason  Reason
}

// Credentials are the login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterInfo is the registration request body.
type RegisterInfo struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	User        User   `json:"user"`
}

type registerResponse struct {
	User User `json:"user"`
}
