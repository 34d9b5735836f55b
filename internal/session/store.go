// Package session runs device flows in the background on behalf of a browser
// front end and keeps their progress in a pluggable store
package session

import (
	"context"
	"errors"
	"time"

	"github.com/wrale/copilot-auth-proxy/internal/deviceflow"
)

var (
	// ErrNotFound indicates an unknown or expired flow session
	ErrNotFound = errors.New("flow session not found")

	// ErrExpiredRecord indicates a record saved past its expiry
	ErrExpiredRecord = errors.New("flow session already expired")

	// ErrStoreUnhealthy indicates the store is not available
	ErrStoreUnhealthy = errors.New("store unhealthy")
)

// Record is the stored state of one flow session. It never holds the device code.
type Record struct {
	ID        string                     `json:"id"`
	ClientID  string                     `json:"client_id"`
	Scope     string                     `json:"scope,omitempty"`
	Status    deviceflow.Status          `json:"status"`
	Events    []deviceflow.ProgressEvent `json:"events"`
	Result    *deviceflow.FlowResult     `json:"result,omitempty"`
	Redeemed  bool                       `json:"redeemed,omitempty"` // Result tokens were handed out and dropped
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
	ExpiresAt time.Time                  `json:"expires_at"`
}

// Done reports whether the flow reached a terminal status
func (r *Record) Done() bool {
	return r.Status.Terminal()
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Events = append([]deviceflow.ProgressEvent(nil), r.Events...)
	if r.Result != nil {
		res := *r.Result
		res.Session = r.Result.Session.Clone()
		c.Result = &res
	}
	return &c
}

// Store defines the interface for flow session storage
type Store interface {
	// Save creates or replaces a record until its ExpiresAt
	Save(ctx context.Context, rec *Record) error

	// Get retrieves a record by id, returning nil when it does not exist
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes a record
	Delete(ctx context.Context, id string) error

	// CheckHealth verifies the storage backend is healthy
	CheckHealth(ctx context.Context) error
}
