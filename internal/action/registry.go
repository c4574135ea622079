package action

import (
	"context"
	"fmt"
	"log/slog"

	"zigbee-actions/internal/stack"
)

// Action identifies one of the supported actions.
type Action int

const (
	ActionRaw Action = iota + 1
	ActionHueFactoryReset
)

// Actions lists every action in presentation order.
var Actions = []Action{ActionRaw, ActionHueFactoryReset}

func (a Action) String() string {
	switch a {
	case ActionRaw:
		return "raw"
	case ActionHueFactoryReset:
		return "philips_hue_factory_reset"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Description is a one-line summary for operators.
func (a Action) Description() string {
	switch a {
	case ActionRaw:
		return "send a single ZDO or ZCL command through the stack"
	case ActionHueFactoryReset:
		return "factory reset Philips Hue lights by serial number over inter-PAN on all channels"
	}
	return ""
}

// ParseAction maps an external action name onto Action. factory_reset is
// accepted as the generic name of the Hue reset.
func ParseAction(name string) (Action, error) {
	switch name {
	case "raw":
		return ActionRaw, nil
	case "philips_hue_factory_reset", "factory_reset":
		return ActionHueFactoryReset, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// Registry dispatches actions to their handlers. Argument checking is left
// to the handlers.
type Registry struct {
	normalizer *Normalizer
	sequencer  *Sequencer
	logger     *slog.Logger
}

// NewRegistry creates a registry bound to a normalizer and a sequencer.
func NewRegistry(normalizer *Normalizer, sequencer *Sequencer, logger *slog.Logger) *Registry {
	return &Registry{
		normalizer: normalizer,
		sequencer:  sequencer,
		logger:     logger.With("component", "actions"),
	}
}

// Sequencer returns the touchlink sequencer used by the reset action.
func (r *Registry) Sequencer() *Sequencer {
	return r.sequencer
}

// Dispatch runs the named action. The result is nil for actions that do not
// produce one.
func (r *Registry) Dispatch(ctx context.Context, name string, ctrl stack.Controller, args map[string]any) (*stack.SendResult, error) {
	a, err := ParseAction(name)
	if err != nil {
		return nil, err
	}
	return r.DispatchAction(ctx, a, ctrl, args)
}

// DispatchAction runs an already parsed action.
func (r *Registry) DispatchAction(ctx context.Context, a Action, ctrl stack.Controller, args map[string]any) (*stack.SendResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	switch a {
	case ActionRaw:
		return r.raw(ctx, ctrl, args)
	case ActionHueFactoryReset:
		return nil, r.hueFactoryReset(ctx, ctrl, args)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, a)
}

func (r *Registry) raw(ctx context.Context, ctrl stack.Controller, args map[string]any) (*stack.SendResult, error) {
	req, err := DecodeRawRequest(args)
	if err != nil {
		return nil, err
	}
	if len(req.Ignored) > 0 {
		r.logger.Debug("ignoring unknown raw request fields", "fields", req.Ignored)
	}
	cmd, err := r.normalizer.Normalize(req)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("raw send", "cluster", cmd.ClusterKey.String(), "zdo", cmd.IsZDO(), "interpan", cmd.InterPAN)
	res, err := ctrl.SendRaw(ctx, cmd, cmd.Custom)
	if err != nil {
		return nil, fmt.Errorf("send raw: %w", err)
	}
	return res, nil
}

func (r *Registry) hueFactoryReset(ctx context.Context, ctrl stack.Controller, args map[string]any) error {
	req, err := DecodeResetRequest(args)
	if err != nil {
		return err
	}
	if len(req.Ignored) > 0 {
		r.logger.Debug("ignoring unknown reset request fields", "fields", req.Ignored)
	}
	return r.sequencer.Run(ctx, ctrl, req)
}
