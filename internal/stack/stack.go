// Package stack defines the boundary to the external Zigbee radio/protocol
// stack. Frame encoding, network management and association live behind it.
package stack

import (
	"context"
	"encoding/json"
	"errors"

	"zigbee-actions/internal/zcl"
)

var (
	ErrTouchlinkLocked = errors.New("touchlink locked")
	ErrClosed          = errors.New("stack controller closed")
)

// Controller is the abstract interface for the external stack.
type Controller interface {
	// NetworkParameters returns the parameters of the network currently formed.
	NetworkParameters(ctx context.Context) (*NetworkParameters, error)

	// SendRaw sends a single command. custom is the resolved vendor cluster
	// schema when the command targets one, nil otherwise.
	SendRaw(ctx context.Context, cmd *RawCommand, custom *zcl.ClusterDef) (*SendResult, error)

	// Touchlink gives access to the inter-PAN radio controls.
	Touchlink() Touchlink

	Close() error
}

// Touchlink controls the radio's exclusive inter-PAN mode.
type Touchlink interface {
	// Lock acquires (enable=true) or releases the exclusive touchlink lock.
	// Acquiring a held lock fails with ErrTouchlinkLocked. Any other acquire
	// error leaves the lock state unknown and the caller must release it.
	Lock(ctx context.Context, enable bool) error
	SetChannelInterPAN(ctx context.Context, channel uint8) error
	RestoreChannelInterPAN(ctx context.Context) error
}

// NetworkParameters holds current network state as reported by the stack.
type NetworkParameters struct {
	PanID         uint16 `json:"panID"`
	ExtendedPanID string `json:"extendedPanID"`
	Channel       uint8  `json:"channel"`
	NwkUpdateID   uint8  `json:"nwkUpdateID,omitempty"`
}

// SendResult is what the stack reported for one send. Response is empty
// when the response was suppressed.
type SendResult struct {
	Response json.RawMessage `json:"response,omitempty"`
}
