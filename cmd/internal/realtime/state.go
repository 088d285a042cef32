package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidUser is returned when Open is called without a user id.
	ErrInvalidUser = errors.New("invalid user id")

	// ErrConnectionLost wraps the cause of an unexpected close.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConfig is returned for invalid channel configuration.
	ErrConfig = errors.New("invalid realtime config")
)

// State is the connection state of a Channel.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Status is a snapshot of the channel for UI collaborators.
type Status struct {
	State  State
	UserID string

	// Attempts counts consecutive failed connections.
	Attempts int

	// Failed is set when the reconnect cap was reached. It stays set until the
	// next Open or Close.
	Failed bool
	Err    error

	// Dropped counts updates discarded because the consumer fell behind.
	Dropped uint64
}

// StateChange is delivered to observers in the order changes happen.
type StateChange struct {
	From   State
	To     State
	UserID string
	Failed bool
	Err    error
}

// Update is one bid status event.
type Update struct {
	BidID      string
	Status     string
	JobID      string
	ReceivedAt time.Time
}

// DialError is a failed handshake. Status is the HTTP status of the
// rejected upgrade, or 0 when no response arrived.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("dial: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("dial: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// AuthRejected reports whether the server refused the handshake with 401/403.
func (e *DialError) AuthRejected() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}
