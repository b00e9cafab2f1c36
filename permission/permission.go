// Package permission implements the out-of-band approval channel between
// the host and the agent runtime. The agent drops a request artifact into a
// shared mailbox when a tool call needs approval; the host surfaces it,
// collects a decision, and writes the response artifact back under the same
// correlation id. Requests that never get an answer fail closed.
package permission

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrTimeout marks a request that hit the response deadline and was
// resolved to deny by policy.
var ErrTimeout = errors.New("permission request timed out")

// Behavior is the decision on a request.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Request is one pending approval, keyed by a correlation id that is never
// reused.
type Request struct {
	ID          string          `json:"id"`
	Tool        string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	// SuggestedBehavior is the agent's proposed resolution, if any.
	SuggestedBehavior Behavior `json:"suggested_behavior,omitempty"`

	// ReceivedAt is set by the host when the artifact is first observed.
	ReceivedAt time.Time `json:"-"`
}

// Response resolves a request. Always extends an allow to future uses of
// the same tool within the session.
type Response struct {
	ID       string   `json:"id"`
	Behavior Behavior `json:"behavior"`
	Always   bool     `json:"always,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Allowed reports whether the response approves the request.
func (r Response) Allowed() bool {
	return r.Behavior == BehaviorAllow
}

// Transport moves request and response artifacts between the two sides.
// Correlation logic lives in the Mailbox; a transport only stores artifacts,
// so files, sockets, or pipes are interchangeable.
type Transport interface {
	// PollRequests returns all currently visible requests, including ones
	// already seen.
	PollRequests() ([]Request, error)
	// WriteResponse publishes a response under its request's id.
	WriteResponse(resp Response) error
	// RemoveRequest retires the request artifact for a resolved id so a
	// restarted host does not re-surface it. The response artifact stays
	// for the agent side and is reclaimed by SweepStale. Missing artifacts
	// are not an error.
	RemoveRequest(id string) error
	// SweepStale deletes artifacts older than maxAge, returning how many
	// were removed.
	SweepStale(maxAge time.Duration) (int, error)
}
