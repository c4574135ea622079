package zcl

import (
	"fmt"
	"sort"
)

// EncodePayload serialises a command payload positionally, in parameter
// declaration order. Every declared parameter must be present and no
// undeclared key is accepted. List parameters are written element by
// element without a length prefix.
func (c *CommandDef) EncodePayload(payload map[string]any) ([]byte, error) {
	var out []byte
	for _, p := range c.Params {
		val, ok := payload[p.Name]
		if !ok {
			return nil, fmt.Errorf("command %q: missing parameter %q", c.Name, p.Name)
		}
		b, err := p.encode(val)
		if err != nil {
			return nil, fmt.Errorf("command %q: parameter %q: %w", c.Name, p.Name, err)
		}
		out = append(out, b...)
	}
	if len(payload) > len(c.Params) {
		var extra []string
		for k := range payload {
			if !c.hasParam(k) {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return nil, fmt.Errorf("command %q: unknown parameters %v", c.Name, extra)
	}
	return out, nil
}

func (c *CommandDef) hasParam(name string) bool {
	for _, p := range c.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (p ParamDef) encode(val any) ([]byte, error) {
	if !p.List {
		return EncodeValue(p.Type, val)
	}
	var items []any
	switch v := val.(type) {
	case []any:
		items = v
	case []uint32:
		for _, x := range v {
			items = append(items, x)
		}
	case []uint8:
		for _, x := range v {
			items = append(items, x)
		}
	case []int:
		for _, x := range v {
			items = append(items, x)
		}
	default:
		return nil, fmt.Errorf("expected list of %s, got %T", TypeName(p.Type), val)
	}
	var out []byte
	for i, item := range items {
		b, err := EncodeValue(p.Type, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}
