package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Invocation history, newest first when listed.
	SaveInvocation(inv *Invocation) error
	GetInvocation(id string) (*Invocation, error)
	ListInvocations(limit int) ([]*Invocation, error)

	// Prune deletes all but the newest keep invocations and returns how
	// many were removed.
	Prune(keep int) (int, error)

	// Last network parameters reported by the stack.
	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	// Close the store
	Close() error
}
