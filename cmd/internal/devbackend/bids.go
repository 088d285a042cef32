package devbackend

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bid statuses understood by the dev backend.
const (
	BidSubmitted = "submitted"
	BidViewed    = "viewed"
	BidAccepted  = "accepted"
	BidRejected  = "rejected"
	BidWithdrawn = "withdrawn"
)

var (
	// ErrBidNotFound is returned for unknown bids or bids owned by another user.
	ErrBidNotFound = errors.New("bid not found")

	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("invalid status")
)

var knownStatuses = map[string]struct{}{
	BidSubmitted: {},
	BidViewed:    {},
	BidAccepted:  {},
	BidRejected:  {},
	BidWithdrawn: {},
}

// Bid is a job proposal submitted by a user.
type Bid struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bids is an in-memory bid registry.
type Bids struct {
	mu   sync.RWMutex
	byID map[string]*Bid
}

// NewBids constructs an empty registry.
func NewBids() *Bids {
	return &Bids{byID: make(map[string]*Bid)}
}

// Create records a new submitted bid for userID.
func (b *Bids) Create(userID, jobID string, now time.Time) (Bid, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Bid{}, ErrInvalidInput
	}
	bid := &Bid{
		ID:        uuid.NewString(),
		UserID:    userID,
		JobID:     jobID,
		Status:    BidSubmitted,
		UpdatedAt: now.UTC(),
	}

	b.mu.Lock()
	b.byID[bid.ID] = bid
	b.mu.Unlock()
	return *bid, nil
}

// List returns userID's bids, newest first.
func (b *Bids) List(userID string) []Bid {
	b.mu.RLock()
	out := make([]Bid, 0)
	for _, bid := range b.byID {
		if bid.UserID == userID {
			out = append(out, *bid)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SetStatus changes a bid's status. The bid must belong to userID.
func (b *Bids) SetStatus(userID, bidID, status string, now time.Time) (Bid, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if _, ok := knownStatuses[status]; !ok {
		return Bid{}, ErrInvalidStatus
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bid, ok := b.byID[bidID]
	if !ok || bid.UserID != userID {
		return Bid{}, ErrBidNotFound
	}
	bid.Status = status
	bid.UpdatedAt = now.UTC()
	return *bid, nil
}
