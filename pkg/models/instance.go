package models

import (
	"time"
)

// FailureKind classifies why a task or instance failed. The state machine
// applies retry policy from the kind alone.
type FailureKind string

const (
	// FailureTransient covers timeouts, rate limits and 5xx responses from a
	// collaborator. Retried with backoff up to the configured cap.
	FailureTransient FailureKind = "transient"

	// FailureTerminal covers validation rejections and other non-retryable
	// collaborator answers. Fails the instance immediately.
	FailureTerminal FailureKind = "terminal"

	// FailureTransientExhausted is recorded on the instance once the retry
	// cap for a role has been spent.
	FailureTransientExhausted FailureKind = "transient_exhausted"

	// FailureWaitTimeout is recorded when a waiting stage exceeded its
	// configured dwell bound.
	FailureWaitTimeout FailureKind = "wait_timeout"
)

// Failure is the last recorded error on an instance, kept for the status
// endpoint and the audit trail.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Role    Role        `json:"role,omitempty"`
	Message string      `json:"message"`
}

// HistoryEntry records one stage transition. History is append-only and is
// never rewritten, even when the instance is archived.
type HistoryEntry struct {
	Stage     Stage     `json:"stage"`
	EnteredAt time.Time `json:"entered_at"`
	Reason    string    `json:"reason"`
}

// Instance is one business request's end-to-end progress record. The stage
// field only ever moves along the edges of the handoff table; concurrent
// writers are serialized by the Version column (compare-and-swap update).
type Instance struct {
	ID              string         `json:"id"`
	Stage           Stage          `json:"stage"`
	Request         RFPRequest     `json:"request"`
	CorrelationKeys []string       `json:"correlation_keys,omitempty"`
	History         []HistoryEntry `json:"history"`
	RetryCounts     map[Role]int   `json:"retry_counts,omitempty"`
	LastError       *Failure       `json:"last_error,omitempty"`
	WaitDeadline    *time.Time     `json:"wait_deadline,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RFPRequest is the structured intake payload that starts an instance.
type RFPRequest struct {
	Origin         string    `json:"origin"          validate:"required,len=4"`
	Destination    string    `json:"destination"     validate:"required,len=4"`
	DepartureDate  time.Time `json:"departure_date"  validate:"required"`
	ReturnDate     time.Time `json:"return_date,omitempty"`
	PassengerCount int       `json:"passenger_count" validate:"required,min=1,max=19"`
	RequesterName  string    `json:"requester_name"  validate:"required"`
	RequesterEmail string    `json:"requester_email" validate:"required,email"`
	Notes          string    `json:"notes,omitempty"`
}

// WaitingOn reports whether the instance is parked on the given key.
func (i *Instance) WaitingOn(key string) bool {
	if !i.Stage.IsWaiting() {
		return false
	}

	for _, k := range i.CorrelationKeys {
		if k == key {
			return true
		}
	}

	return false
}
