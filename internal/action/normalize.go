package action

import (
	"errors"
	"regexp"

	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/zcl"
)

// DefaultTimeoutMS bounds a single raw send when the request sets no timeout.
const DefaultTimeoutMS uint32 = 10000

var ieeePattern = regexp.MustCompile(`(?i)^0x[0-9a-f]{16}$`)

// ClusterResolver resolves vendor cluster keys. *zcl.Registry implements it.
type ClusterResolver interface {
	Lookup(name string) (*zcl.ClusterDef, error)
}

// Normalizer turns raw requests into stack commands. It performs no I/O.
type Normalizer struct {
	clusters ClusterResolver
}

// NewNormalizer creates a normalizer resolving vendor clusters through clusters.
func NewNormalizer(clusters ClusterResolver) *Normalizer {
	return &Normalizer{clusters: clusters}
}

// Normalize validates req, applies defaults and resolves vendor clusters.
// Every rejection wraps ErrMalformedRequest.
func (n *Normalizer) Normalize(req *RawRequest) (*stack.RawCommand, error) {
	if req.ClusterKey == nil {
		return nil, malformed("cluster_key is required")
	}
	if req.DstEndpoint == nil {
		return nil, malformed("dst_endpoint is required")
	}
	if err := checkAddressing(req); err != nil {
		return nil, err
	}

	cmd := &stack.RawCommand{
		IEEEAddress:     req.IEEEAddress,
		NetworkAddress:  req.NetworkAddress,
		GroupID:         req.GroupID,
		DstEndpoint:     req.DstEndpoint,
		SrcEndpoint:     valueOr(req.SrcEndpoint, zcl.EndpointHA),
		InterPAN:        valueOr(req.InterPAN, false),
		ProfileID:       valueOr(req.ProfileID, zcl.ProfileHA),
		ClusterKey:      *req.ClusterKey,
		DisableResponse: valueOr(req.DisableResponse, false),
		TimeoutMS:       valueOr(req.TimeoutMS, DefaultTimeoutMS),
	}

	switch body := req.Body.(type) {
	case ZDOBody:
		if req.ClusterKey.IsNamed() {
			return nil, malformed("zdo request needs a numeric cluster_key, got %q", req.ClusterKey.Name)
		}
		cmd.ZDOParams = body.Params
		if cmd.ZDOParams == nil {
			cmd.ZDOParams = []any{}
		}
	case ZCLBody:
		frame, err := n.zclFrame(cmd, &body)
		if err != nil {
			return nil, err
		}
		cmd.ZCL = frame
	case nil:
		return nil, malformed("one of zdo_params or zcl is required")
	default:
		return nil, malformed("unsupported body %T", body)
	}
	return cmd, nil
}

func (n *Normalizer) zclFrame(cmd *stack.RawCommand, body *ZCLBody) (*stack.ZCLFrame, error) {
	if body.CommandKey == "" {
		return nil, malformed("zcl.command_key is required")
	}
	frame := &stack.ZCLFrame{
		FrameType:              valueOr(body.FrameType, zcl.FrameTypeGlobal),
		Direction:              valueOr(body.Direction, zcl.DirectionClientToServer),
		DisableDefaultResponse: valueOr(body.DisableDefaultResponse, false),
		ManufacturerCode:       body.ManufacturerCode,
		TSN:                    valueOr(body.TSN, 0),
		CommandKey:             body.CommandKey,
		Payload:                body.Payload,
	}
	if frame.FrameType > zcl.FrameTypeSpecific {
		return nil, malformed("zcl.frame_type: expected 0 or 1, got %d", frame.FrameType)
	}
	if frame.Direction > zcl.DirectionServerToClient {
		return nil, malformed("zcl.direction: expected 0 or 1, got %d", frame.Direction)
	}

	if !cmd.ClusterKey.IsNamed() || n.clusters == nil {
		return frame, nil
	}
	custom, err := n.clusters.Lookup(cmd.ClusterKey.Name)
	if errors.Is(err, zcl.ErrClusterNotFound) {
		// A standard cluster: the stack knows its schema.
		return frame, nil
	}
	if err != nil {
		return nil, malformed("cluster %q: %v", cmd.ClusterKey.Name, err)
	}

	if frame.ManufacturerCode == nil && custom.ManufacturerCode != 0 {
		code := custom.ManufacturerCode
		frame.ManufacturerCode = &code
	} else if frame.ManufacturerCode != nil && *frame.ManufacturerCode != custom.ManufacturerCode {
		return nil, malformed("cluster %q requires manufacturer code 0x%04X, got 0x%04X",
			custom.Name, custom.ManufacturerCode, *frame.ManufacturerCode)
	}
	cmd.Custom = custom

	// Foundation commands and server-to-client commands are not in the
	// cluster's command table; the stack encodes their payload as given.
	if frame.FrameType != zcl.FrameTypeSpecific || frame.Direction != zcl.DirectionClientToServer {
		return frame, nil
	}

	def := custom.FindCommand(body.CommandKey)
	if def == nil {
		return nil, malformed("cluster %q has no command %q", custom.Name, body.CommandKey)
	}
	payload, ok := body.Payload.(map[string]any)
	if body.Payload == nil {
		payload, ok = map[string]any{}, true
	}
	if !ok {
		return nil, malformed("cluster %q: payload must be a single object", custom.Name)
	}
	encoded, err := def.EncodePayload(payload)
	if err != nil {
		return nil, malformed("%v", err)
	}
	frame.Encoded = encoded
	return frame, nil
}

func checkAddressing(req *RawRequest) error {
	if req.IEEEAddress != "" && !ieeePattern.MatchString(req.IEEEAddress) {
		return malformed("ieee_address %q: expected 0x followed by 16 hex digits", req.IEEEAddress)
	}
	device := req.IEEEAddress != "" || req.NetworkAddress != nil
	if req.GroupID != nil && device {
		return malformed("group_id cannot be combined with a device address")
	}
	if req.GroupID == nil && !device && !valueOr(req.InterPAN, false) {
		return malformed("one of ieee_address, network_address or group_id is required")
	}
	return nil
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
