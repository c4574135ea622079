package stack

import (
	"encoding/json"
	"fmt"
	"strconv"

	"zigbee-actions/internal/zcl"
)

// ClusterKey names a cluster either by number (ZDO) or by key (ZCL).
type ClusterKey struct {
	ID   uint16
	Name string
}

// IsNamed reports whether the key is a string key.
func (k ClusterKey) IsNamed() bool {
	return k.Name != ""
}

func (k ClusterKey) String() string {
	if k.IsNamed() {
		return k.Name
	}
	return fmt.Sprintf("0x%04X", k.ID)
}

func (k ClusterKey) MarshalJSON() ([]byte, error) {
	if k.IsNamed() {
		return json.Marshal(k.Name)
	}
	return []byte(strconv.FormatUint(uint64(k.ID), 10)), nil
}

// ZCLFrame describes the ZCL part of a raw command.
type ZCLFrame struct {
	FrameType              uint8   `json:"frameType"`
	Direction              uint8   `json:"direction"`
	DisableDefaultResponse bool    `json:"disableDefaultResponse"`
	ManufacturerCode       *uint16 `json:"manufacturerCode,omitempty"`
	TSN                    uint8   `json:"tsn"`
	CommandKey             string  `json:"commandKey"`
	// Payload is a single object or a list of objects for bulk writes.
	Payload any `json:"payload,omitempty"`

	// Encoded is the payload serialised against a vendor cluster schema.
	Encoded []byte `json:"-"`
}

// RawCommand is the structured, stack-facing form of a raw send.
// Exactly one of ZDOParams and ZCL is set.
type RawCommand struct {
	IEEEAddress     string     `json:"ieeeAddress,omitempty"`
	NetworkAddress  *uint16    `json:"networkAddress,omitempty"`
	GroupID         *uint16    `json:"groupId,omitempty"`
	DstEndpoint     *uint8     `json:"dstEndpoint,omitempty"`
	SrcEndpoint     uint8      `json:"srcEndpoint"`
	InterPAN        bool       `json:"interPan"`
	ProfileID       uint16     `json:"profileId"`
	ClusterKey      ClusterKey `json:"clusterKey"`
	ZDOParams       []any      `json:"zdoParams,omitempty"`
	ZCL             *ZCLFrame  `json:"zcl,omitempty"`
	DisableResponse bool       `json:"disableResponse"`
	TimeoutMS       uint32     `json:"timeout"`

	// Custom is the vendor cluster schema the cluster key resolved to.
	Custom *zcl.ClusterDef `json:"-"`
}

// IsZDO reports whether the command is a ZDO request.
func (c *RawCommand) IsZDO() bool {
	return c.ZCL == nil
}
