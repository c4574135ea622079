package store

import "time"

// InvocationStatus is the lifecycle state of an action invocation.
type InvocationStatus string

const (
	StatusRunning   InvocationStatus = "running"
	StatusSucceeded InvocationStatus = "succeeded"
	StatusFailed    InvocationStatus = "failed"
)

// Invocation is one recorded action run.
// ID is a UUIDv7 string, so IDs sort by start time.
type Invocation struct {
	ID         string           `json:"id" cbor:"1,keyasint"`
	Action     string           `json:"action" cbor:"2,keyasint"`
	Source     string           `json:"source,omitempty" cbor:"3,keyasint,omitempty"`
	Args       map[string]any   `json:"args,omitempty" cbor:"4,keyasint,omitempty"`
	Status     InvocationStatus `json:"status" cbor:"5,keyasint"`
	Error      string           `json:"error,omitempty" cbor:"6,keyasint,omitempty"`
	Response   []byte           `json:"response,omitempty" cbor:"7,keyasint,omitempty"`
	StartedAt  time.Time        `json:"started_at" cbor:"8,keyasint"`
	FinishedAt *time.Time       `json:"finished_at,omitempty" cbor:"9,keyasint,omitempty"`
}

// Duration returns how long the invocation ran, or zero while running.
func (inv *Invocation) Duration() time.Duration {
	if inv.FinishedAt == nil {
		return 0
	}
	return inv.FinishedAt.Sub(inv.StartedAt)
}

// NetworkState is the last network snapshot reported by the stack.
type NetworkState struct {
	PanID         uint16    `json:"pan_id" cbor:"1,keyasint"`
	ExtendedPanID string    `json:"extended_pan_id" cbor:"2,keyasint"`
	Channel       uint8     `json:"channel" cbor:"3,keyasint"`
	UpdatedAt     time.Time `json:"updated_at" cbor:"4,keyasint"`
}
