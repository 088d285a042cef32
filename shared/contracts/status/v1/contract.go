// Package v1 defines the bid status push protocol v1 contract.
//
// Frames are flat JSON objects discriminated by "type"; payload fields sit next
// to it. The package is shared by the client and the dev backend so both sides
// agree on the wire shape.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PathPrefix is the WebSocket route prefix; the user id is appended as the last segment.
const PathPrefix = "/ws/status/"

// Type constants (wire-stable).
const (
	// TypeBidUpdate reports a status change of a bid (server -> client).
	TypeBidUpdate = "bid_update"
)

// Envelope is the common header of every frame.
type Envelope struct {
	Type string `json:"type"`
}

// Known reports whether the envelope type is understood by this protocol version.
// Unknown types are reserved for future extension and must be ignored by receivers.
func (e Envelope) Known() bool {
	switch e.Type {
	case TypeBidUpdate:
		return true
	default:
		return false
	}
}

// BidUpdate is the payload of a bid_update frame.
type BidUpdate struct {
	Type   string `json:"type"`
	BidID  string `json:"bid_id"`
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
}

// Validate performs structural validation of a bid_update frame.
func (b BidUpdate) Validate() error {
	if b.Type != TypeBidUpdate {
		return fmt.Errorf("unexpected type: %q", b.Type)
	}
	if strings.TrimSpace(b.BidID) == "" {
		return errors.New("missing field: bid_id")
	}
	if strings.TrimSpace(b.Status) == "" {
		return errors.New("missing field: status")
	}
	return nil
}

// DecodeEnvelope parses the frame header only.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, errors.New("missing field: type")
	}
	return env, nil
}

// DecodeBidUpdate parses and validates a bid_update frame.
func DecodeBidUpdate(data []byte) (BidUpdate, error) {
	var b BidUpdate
	if err := json.Unmarshal(data, &b); err != nil {
		return BidUpdate{}, err
	}
	if err := b.Validate(); err != nil {
		return BidUpdate{}, err
	}
	return b, nil
}

// EncodeBidUpdate builds a bid_update frame.
func EncodeBidUpdate(bidID, status, jobID string) ([]byte, error) {
	b := BidUpdate{Type: TypeBidUpdate, BidID: bidID, Status: status, JobID: jobID}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(b)
}
