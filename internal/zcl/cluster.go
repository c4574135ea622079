package zcl

import (
	"encoding/json"
	"fmt"
)

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessReport uint8 = 0x04
)

// AttributeDef defines a ZCL attribute.
type AttributeDef struct {
	ID     uint16 `json:"id"`
	Name   string `json:"name"`
	Type   uint8  `json:"type"`
	Access uint8  `json:"access"` // bitmask: 1=read, 2=write, 4=reportable
}

// CommandDirection indicates the direction of a cluster command.
type CommandDirection string

const (
	DirectionToServer CommandDirection = "toServer"
	DirectionToClient CommandDirection = "toClient"
)

// List type IDs as the external stack numbers them. They have no ZCL data
// type of their own: the elements are written back to back without a count.
const (
	wireListUint8  = 1001
	wireListUint16 = 1002
	wireListUint24 = 1003
	wireListUint32 = 1004
)

// ParamDef is one positional parameter of a cluster command.
type ParamDef struct {
	Name string
	Type uint8 // element type when List is set
	List bool
}

type paramJSON struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// WireType returns the numeric type the external stack expects, mapping
// lists onto its extended type IDs.
func (p ParamDef) WireType() int {
	if !p.List {
		return int(p.Type)
	}
	switch p.Type {
	case TypeUint8:
		return wireListUint8
	case TypeUint16:
		return wireListUint16
	case TypeUint24:
		return wireListUint24
	case TypeUint32:
		return wireListUint32
	}
	return int(p.Type)
}

func (p ParamDef) MarshalJSON() ([]byte, error) {
	return json.Marshal(paramJSON{Name: p.Name, Type: p.WireType()})
}

func (p *ParamDef) UnmarshalJSON(data []byte) error {
	var raw paramJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.List = false
	switch raw.Type {
	case wireListUint8:
		p.Type, p.List = TypeUint8, true
	case wireListUint16:
		p.Type, p.List = TypeUint16, true
	case wireListUint24:
		p.Type, p.List = TypeUint24, true
	case wireListUint32:
		p.Type, p.List = TypeUint32, true
	default:
		if raw.Type < 0 || raw.Type > 0xFF {
			return fmt.Errorf("param %q: unknown type %d", raw.Name, raw.Type)
		}
		p.Type = uint8(raw.Type)
	}
	if p.Name == "" {
		return fmt.Errorf("param without name")
	}
	return nil
}

// CommandDef defines a cluster-specific command.
type CommandDef struct {
	ID        uint8            `json:"id"`
	Name      string           `json:"name"`
	Direction CommandDirection `json:"direction,omitempty"`
	Params    []ParamDef       `json:"parameters"`
}

// ClusterDef defines a ZCL cluster with its attributes and commands.
// Vendor clusters carry the manufacturer code that must accompany every frame.
type ClusterDef struct {
	ID               uint16         `json:"id"`
	Name             string         `json:"name"`
	ManufacturerCode uint16         `json:"manufacturerCode,omitempty"`
	Attributes       []AttributeDef `json:"attributes"`
	Commands         []CommandDef   `json:"commands"`
}

// FindAttribute looks up an attribute by ID.
func (c *ClusterDef) FindAttribute(id uint16) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindCommand looks up a command by its key.
func (c *ClusterDef) FindCommand(name string) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].Name == name {
			return &c.Commands[i]
		}
	}
	return nil
}

// DeepCopy returns a deep copy of the cluster definition.
func (c *ClusterDef) DeepCopy() *ClusterDef {
	cp := *c
	if c.Attributes != nil {
		cp.Attributes = make([]AttributeDef, len(c.Attributes))
		copy(cp.Attributes, c.Attributes)
	}
	if c.Commands != nil {
		cp.Commands = make([]CommandDef, len(c.Commands))
		for i, cmd := range c.Commands {
			cp.Commands[i] = cmd
			if cmd.Params != nil {
				cp.Commands[i].Params = append([]ParamDef(nil), cmd.Params...)
			}
		}
	}
	return &cp
}

// Merge adds attributes and commands from an overlay definition of the same
// cluster. Existing entries win.
func (c *ClusterDef) Merge(other *ClusterDef) error {
	if other.ID != c.ID || other.ManufacturerCode != c.ManufacturerCode {
		return fmt.Errorf("cluster %q: overlay id 0x%04X/manuf 0x%04X does not match 0x%04X/0x%04X",
			c.Name, other.ID, other.ManufacturerCode, c.ID, c.ManufacturerCode)
	}
	for _, attr := range other.Attributes {
		if c.FindAttribute(attr.ID) == nil {
			c.Attributes = append(c.Attributes, attr)
		}
	}
	for _, cmd := range other.Commands {
		if c.FindCommand(cmd.Name) == nil {
			c.Commands = append(c.Commands, cmd)
		}
	}
	return nil
}
