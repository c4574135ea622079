package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/zcl"
)

// ChannelPlan is the order in which the reset frame is broadcast. The
// primary ZLL channels come first.
var ChannelPlan = [16]uint8{11, 15, 20, 25, 12, 13, 14, 16, 17, 18, 19, 21, 22, 23, 24, 26}

const (
	// DefaultPacing is the pause after every channel attempt.
	DefaultPacing         = time.Second
	defaultCleanupTimeout = 10 * time.Second
	maxSerialNumbers      = 255

	hueResetCluster = "manuSpecificPhilipsPairing"
	hueResetCommand = "hueResetRequest"
)

var (
	extPanIDPattern = regexp.MustCompile(`(?i)^0x[0-9a-f]{16}$`)
	serialPattern   = regexp.MustCompile(`(?i)^[0-9a-f]{6}$`)
)

// SessionState is the state of the touchlink session driven by a Sequencer.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateLocked
	StateChannelActive
	StateRestoring
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocked:
		return "locked"
	case StateChannelActive:
		return "channel_active"
	case StateRestoring:
		return "restoring"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Observer is told about session progress.
type Observer interface {
	StateChanged(state SessionState, channel uint8)
	ChannelAttempted(channel uint8, err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(SessionState, uint8) {}
func (nopObserver) ChannelAttempted(uint8, error) {}

// WaitFunc pauses for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// ResetRequest is the input of a Hue factory reset.
type ResetRequest struct {
	// ExtendedPanID is optional; the current network's is used when empty.
	ExtendedPanID string
	SerialNumbers []string
	// Ignored lists unrecognised keys.
	Ignored []string
}

// DecodeResetRequest reads extended_pan_id and serial_numbers from args.
func DecodeResetRequest(args map[string]any) (*ResetRequest, error) {
	var req ResetRequest
	req.Ignored = unknownFields(args, map[string]bool{"extended_pan_id": true, "serial_numbers": true}, "")
	if v, ok := present(args, "extended_pan_id"); ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, invalid("extended_pan_id: expected string, got %T", v)
		}
		req.ExtendedPanID = s
	}
	v, ok := present(args, "serial_numbers")
	if !ok {
		return nil, invalid("serial_numbers is required")
	}
	switch list := v.(type) {
	case []string:
		req.SerialNumbers = list
	case []any:
		req.SerialNumbers = make([]string, len(list))
		for i, item := range list {
			s, isStr := item.(string)
			if !isStr {
				return nil, invalid("serial_numbers[%d]: expected string, got %T", i, item)
			}
			req.SerialNumbers[i] = s
		}
	default:
		return nil, invalid("serial_numbers: expected array of strings, got %T", v)
	}
	return &req, nil
}

// Sequencer broadcasts the Hue reset frame over inter-PAN on every channel
// of ChannelPlan while holding the radio's touchlink lock.
type Sequencer struct {
	clusters       ClusterResolver
	logger         *slog.Logger
	pacing         time.Duration
	wait           WaitFunc
	cleanupTimeout time.Duration
	observer       Observer

	state   atomic.Int32
	channel atomic.Uint32
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithPacing overrides the pause after each channel attempt.
func WithPacing(d time.Duration) SequencerOption {
	return func(s *Sequencer) { s.pacing = d }
}

// WithWait replaces the pacing timer.
func WithWait(fn WaitFunc) SequencerOption {
	return func(s *Sequencer) { s.wait = fn }
}

// WithObserver registers an observer for state changes and channel outcomes.
func WithObserver(o Observer) SequencerOption {
	return func(s *Sequencer) { s.observer = o }
}

// WithCleanupTimeout bounds the restore and unlock calls.
func WithCleanupTimeout(d time.Duration) SequencerOption {
	return func(s *Sequencer) { s.cleanupTimeout = d }
}

// NewSequencer creates a sequencer resolving the reset cluster through clusters.
func NewSequencer(clusters ClusterResolver, logger *slog.Logger, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		clusters:       clusters,
		logger:         logger.With("component", "touchlink"),
		pacing:         DefaultPacing,
		wait:           sleepContext,
		cleanupTimeout: defaultCleanupTimeout,
		observer:       nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current session state and, while a channel is active,
// the channel.
func (s *Sequencer) State() (SessionState, uint8) {
	return SessionState(s.state.Load()), uint8(s.channel.Load())
}

func (s *Sequencer) setState(state SessionState, channel uint8) {
	s.state.Store(int32(state))
	s.channel.Store(uint32(channel))
	s.observer.StateChanged(state, channel)
}

// Run performs a full reset sequence. Per-channel send failures are logged
// and never returned. Once the lock is held, the channel override is restored
// and the lock released on every path, including cancellation and panics.
func (s *Sequencer) Run(ctx context.Context, ctrl stack.Controller, req *ResetRequest) (err error) {
	serials, err := parseSerials(req.SerialNumbers)
	if err != nil {
		return err
	}

	panID := req.ExtendedPanID
	if panID != "" {
		if !extPanIDPattern.MatchString(panID) {
			return invalid("extended_pan_id %q: expected 0x followed by 16 hex digits", panID)
		}
	} else {
		np, err := ctrl.NetworkParameters(ctx)
		if err != nil {
			return fmt.Errorf("resolve extended pan id: %w", err)
		}
		if !extPanIDPattern.MatchString(np.ExtendedPanID) {
			return invalid("network extended pan id %q: expected 0x followed by 16 hex digits", np.ExtendedPanID)
		}
		panID = np.ExtendedPanID
	}

	cmd, err := s.compose(panID, serials)
	if err != nil {
		return err
	}

	tl := ctrl.Touchlink()
	if err := tl.Lock(ctx, true); err != nil {
		if errors.Is(err, stack.ErrTouchlinkLocked) {
			return fmt.Errorf("%w: %v", ErrLockContention, err)
		}
		err = fmt.Errorf("acquire touchlink lock: %w", err)
		if uerr := s.abandonLock(ctx, tl); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return err
	}
	s.setState(StateLocked, 0)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("hue reset sequence panicked", "panic", r)
			err = fmt.Errorf("%w: panic: %v", ErrUnexpectedFault, r)
		}
		if cerr := s.release(ctx, tl); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	return s.broadcast(ctx, ctrl, tl, cmd)
}

func (s *Sequencer) broadcast(ctx context.Context, ctrl stack.Controller, tl stack.Touchlink, cmd *stack.RawCommand) error {
	var failed int
	for _, ch := range ChannelPlan {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: cancelled before channel %d: %w", ErrUnexpectedFault, ch, err)
		}
		if err := tl.SetChannelInterPAN(ctx, ch); err != nil {
			return fmt.Errorf("%w: switch to channel %d: %w", ErrUnexpectedFault, ch, err)
		}
		s.setState(StateChannelActive, ch)

		_, sendErr := ctrl.SendRaw(ctx, cmd, cmd.Custom)
		if sendErr != nil {
			failed++
			s.logger.Warn("hue reset request failed to send", "channel", ch, "err", sendErr)
		} else {
			s.logger.Debug("hue reset request sent", "channel", ch)
		}
		s.observer.ChannelAttempted(ch, sendErr)

		if err := s.wait(ctx, s.pacing); err != nil {
			return fmt.Errorf("%w: cancelled after channel %d: %w", ErrUnexpectedFault, ch, err)
		}
	}
	s.logger.Info("hue reset broadcast finished", "channels", len(ChannelPlan), "failed", failed)
	return nil
}

// release restores the inter-PAN channel and then drops the lock. It runs
// even when ctx is already cancelled.
func (s *Sequencer) release(ctx context.Context, tl stack.Touchlink) error {
	_, ch := s.State()
	s.setState(StateRestoring, ch)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()

	var errs []error
	if err := tl.RestoreChannelInterPAN(cctx); err != nil {
		s.logger.Error("restore inter-PAN channel failed", "err", err)
		errs = append(errs, fmt.Errorf("restore inter-PAN channel: %w", err))
	}
	if err := tl.Lock(cctx, false); err != nil {
		s.logger.Error("release touchlink lock failed", "err", err)
		errs = append(errs, fmt.Errorf("release touchlink lock: %w", err))
	}
	s.setState(StateIdle, 0)
	return errors.Join(errs...)
}

// abandonLock releases a lock whose acquisition failed without a clear
// refusal; the stack may have applied it before the reply was lost.
func (s *Sequencer) abandonLock(ctx context.Context, tl stack.Touchlink) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()
	if err := tl.Lock(cctx, false); err != nil {
		s.logger.Error("release touchlink lock after failed acquire", "err", err)
		return fmt.Errorf("release touchlink lock: %w", err)
	}
	s.logger.Warn("touchlink lock released after failed acquire")
	return nil
}

func (s *Sequencer) compose(panID string, serials []uint32) (*stack.RawCommand, error) {
	cluster, err := s.clusters.Lookup(hueResetCluster)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedFault, err)
	}
	def := cluster.FindCommand(hueResetCommand)
	if def == nil {
		return nil, fmt.Errorf("%w: cluster %q has no command %q", ErrUnexpectedFault, hueResetCluster, hueResetCommand)
	}
	payload := map[string]any{
		"extendedPanId": panID,
		"serialCount":   len(serials),
		"serialNumbers": serials,
	}
	encoded, err := def.EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrUnexpectedFault, hueResetCommand, err)
	}

	manuf := cluster.ManufacturerCode
	return &stack.RawCommand{
		SrcEndpoint: zcl.EndpointHA,
		InterPAN:    true,
		ProfileID:   zcl.ProfileHA,
		ClusterKey:  stack.ClusterKey{Name: cluster.Name},
		ZCL: &stack.ZCLFrame{
			FrameType:              zcl.FrameTypeSpecific,
			Direction:              zcl.DirectionClientToServer,
			DisableDefaultResponse: true,
			ManufacturerCode:       &manuf,
			TSN:                    0,
			CommandKey:             hueResetCommand,
			Payload:                payload,
			Encoded:                encoded,
		},
		DisableResponse: true,
		TimeoutMS:       DefaultTimeoutMS,
		Custom:          cluster,
	}, nil
}

func parseSerials(tokens []string) ([]uint32, error) {
	if len(tokens) == 0 {
		return nil, invalid("serial_numbers must contain at least one entry")
	}
	if len(tokens) > maxSerialNumbers {
		return nil, invalid("serial_numbers: %d entries, at most %d allowed", len(tokens), maxSerialNumbers)
	}
	serials := make([]uint32, len(tokens))
	for i, tok := range tokens {
		if !serialPattern.MatchString(tok) {
			return nil, invalid("serial_numbers[%d] %q: expected 6 hex digits", i, tok)
		}
		v, err := strconv.ParseUint(tok, 16, 32)
		if err != nil {
			return nil, invalid("serial_numbers[%d]: %v", i, err)
		}
		serials[i] = uint32(v)
	}
	return serials, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
