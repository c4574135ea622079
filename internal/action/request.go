package action

import (
	"encoding/json"
	"math"
	"sort"

	"zigbee-actions/internal/stack"
)

// Body is the command part of a raw request: either ZDOBody or ZCLBody.
type Body interface {
	isBody()
}

// ZDOBody carries the ordered parameters of a ZDO request.
type ZDOBody struct {
	Params []any
}

// ZCLBody describes a ZCL command. Nil pointers mean "use the default".
type ZCLBody struct {
	FrameType              *uint8
	Direction              *uint8
	DisableDefaultResponse *bool
	ManufacturerCode       *uint16
	TSN                    *uint8
	CommandKey             string
	// Payload is a map[string]any or a []any of maps.
	Payload any
}

func (ZDOBody) isBody() {}
func (ZCLBody) isBody() {}

// RawRequest is the typed form of an inbound raw action. Nil pointers are
// absent fields.
type RawRequest struct {
	IEEEAddress     string
	NetworkAddress  *uint16
	GroupID         *uint16
	DstEndpoint     *uint8
	SrcEndpoint     *uint8
	InterPAN        *bool
	ProfileID       *uint16
	ClusterKey      *stack.ClusterKey
	Body            Body
	DisableResponse *bool
	TimeoutMS       *uint32

	// Ignored lists the keys that were not recognised, "zcl." prefixed for
	// the frame object. Callers log them.
	Ignored []string
}

var rawFields = map[string]bool{
	"ieee_address": true, "network_address": true, "group_id": true,
	"dst_endpoint": true, "src_endpoint": true, "interpan": true,
	"profile_id": true, "cluster_key": true, "zdo_params": true, "zcl": true,
	"disable_response": true, "timeout": true,
}

var zclFields = map[string]bool{
	"frame_type": true, "direction": true, "disable_default_response": true,
	"manufacturer_code": true, "tsn": true, "command_key": true, "payload": true,
}

// DecodeRawRequest turns the loosely-typed argument map of a raw action into
// a RawRequest. Exactly one of zdo_params and zcl must be present.
func DecodeRawRequest(args map[string]any) (*RawRequest, error) {
	var (
		req RawRequest
		err error
	)
	req.Ignored = unknownFields(args, rawFields, "")
	if v, ok := present(args, "ieee_address"); ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, malformed("ieee_address: expected string, got %T", v)
		}
		req.IEEEAddress = s
	}
	if req.NetworkAddress, err = optUint[uint16](args, "network_address"); err != nil {
		return nil, err
	}
	if req.GroupID, err = optUint[uint16](args, "group_id"); err != nil {
		return nil, err
	}
	if req.DstEndpoint, err = optUint[uint8](args, "dst_endpoint"); err != nil {
		return nil, err
	}
	if req.SrcEndpoint, err = optUint[uint8](args, "src_endpoint"); err != nil {
		return nil, err
	}
	if req.InterPAN, err = optBool(args, "interpan"); err != nil {
		return nil, err
	}
	if req.ProfileID, err = optUint[uint16](args, "profile_id"); err != nil {
		return nil, err
	}
	if req.DisableResponse, err = optBool(args, "disable_response"); err != nil {
		return nil, err
	}
	if req.TimeoutMS, err = optUint[uint32](args, "timeout"); err != nil {
		return nil, err
	}

	if v, ok := present(args, "cluster_key"); ok {
		switch k := v.(type) {
		case string:
			if k == "" {
				return nil, malformed("cluster_key: empty string")
			}
			req.ClusterKey = &stack.ClusterKey{Name: k}
		default:
			id, err := optUint[uint16](args, "cluster_key")
			if err != nil {
				return nil, err
			}
			req.ClusterKey = &stack.ClusterKey{ID: *id}
		}
	}

	zdoRaw, hasZDO := present(args, "zdo_params")
	zclRaw, hasZCL := present(args, "zcl")
	switch {
	case hasZDO && hasZCL:
		return nil, malformed("zdo_params and zcl are mutually exclusive")
	case !hasZDO && !hasZCL:
		return nil, malformed("one of zdo_params or zcl is required")
	case hasZDO:
		params, ok := zdoRaw.([]any)
		if !ok {
			return nil, malformed("zdo_params: expected array, got %T", zdoRaw)
		}
		req.Body = ZDOBody{Params: params}
	default:
		m, ok := zclRaw.(map[string]any)
		if !ok {
			return nil, malformed("zcl: expected object, got %T", zclRaw)
		}
		body, err := decodeZCL(m)
		if err != nil {
			return nil, err
		}
		req.Body = *body
		req.Ignored = append(req.Ignored, unknownFields(m, zclFields, "zcl.")...)
	}
	return &req, nil
}

func decodeZCL(m map[string]any) (*ZCLBody, error) {
	var (
		body ZCLBody
		err  error
	)
	if body.FrameType, err = optUint[uint8](m, "frame_type"); err != nil {
		return nil, err
	}
	if body.Direction, err = optUint[uint8](m, "direction"); err != nil {
		return nil, err
	}
	if body.DisableDefaultResponse, err = optBool(m, "disable_default_response"); err != nil {
		return nil, err
	}
	if body.ManufacturerCode, err = optUint[uint16](m, "manufacturer_code"); err != nil {
		return nil, err
	}
	if body.TSN, err = optUint[uint8](m, "tsn"); err != nil {
		return nil, err
	}

	ck, ok := present(m, "command_key")
	if !ok {
		return nil, malformed("zcl.command_key is required")
	}
	body.CommandKey, ok = ck.(string)
	if !ok || body.CommandKey == "" {
		return nil, malformed("zcl.command_key: expected non-empty string, got %v", ck)
	}

	if p, ok := present(m, "payload"); ok {
		switch v := p.(type) {
		case map[string]any:
			body.Payload = v
		case []any:
			for i, item := range v {
				if _, isMap := item.(map[string]any); !isMap {
					return nil, malformed("zcl.payload[%d]: expected object, got %T", i, item)
				}
			}
			body.Payload = v
		default:
			return nil, malformed("zcl.payload: expected object or array of objects, got %T", p)
		}
	}
	return &body, nil
}

// unknownFields returns the keys of m missing from known, sorted.
func unknownFields(m map[string]any, known map[string]bool, prefix string) []string {
	var unknown []string
	for k := range m {
		if !known[k] {
			unknown = append(unknown, prefix+k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// present treats an explicit null like an absent field.
func present(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func optBool(m map[string]any, key string) (*bool, error) {
	v, ok := present(m, key)
	if !ok {
		return nil, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, malformed("%s: expected boolean, got %T", key, v)
	}
	return &b, nil
}

func optUint[T uint8 | uint16 | uint32](m map[string]any, key string) (*T, error) {
	v, ok := present(m, key)
	if !ok {
		return nil, nil
	}
	var zero T
	limit := uint64(^zero)
	n, ok := toUint(v)
	if !ok || n > limit {
		return nil, malformed("%s: expected integer 0..%d, got %v", key, limit, v)
	}
	t := T(n)
	return &t, nil
}

func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxUint32 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
	return 0, false
}
