package models

import (
	"time"
)

// ExternalEvent is one inbound marketplace push. ID is the sender's
// idempotency key (or a hash of the body when the sender supplies none) and
// is unique: re-ingesting a known ID is a no-op.
type ExternalEvent struct {
	ID             string         `json:"id"`
	CorrelationKey string         `json:"correlation_key"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
	Processed      bool           `json:"processed"`
	InstanceID     string         `json:"instance_id,omitempty"`
}
