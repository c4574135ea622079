// Package coordinator runs actions against the stack and keeps the audit
// trail and event stream around them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"zigbee-actions/internal/action"
	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/store"
	"zigbee-actions/internal/zcl"
)

// Config holds coordinator configuration.
type Config struct {
	// HistoryKeep is how many invocations are kept; 0 keeps everything.
	HistoryKeep int
}

// ActionInfo describes an action for listings.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NetworkInfo is the network as last seen. Cached is set when the stack did
// not answer and the stored snapshot was returned instead.
type NetworkInfo struct {
	stack.NetworkParameters
	Cached    bool      `json:"cached,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TouchlinkStatus is the current touchlink session state.
type TouchlinkStatus struct {
	State   string `json:"state"`
	Channel uint8  `json:"channel,omitempty"`
}

type sourceKey struct{}

// WithSource tags ctx with the transport an action came in through. It ends
// up in the invocation record and the action events.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the source set by WithSource, or "".
func SourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// Coordinator executes actions through a stack controller.
type Coordinator struct {
	ctrl     stack.Controller
	actions  *action.Registry
	store    store.Store
	clusters *zcl.Registry
	events   *EventBus
	logger   *slog.Logger
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Coordinator.
func New(ctrl stack.Controller, actions *action.Registry, st store.Store, clusters *zcl.Registry, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctrl:     ctrl,
		actions:  actions,
		store:    st,
		clusters: clusters,
		events:   events,
		logger:   logger.With("component", "coordinator"),
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
// Transports derive request contexts from it.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Stop cancels the coordinator context. Running touchlink sessions still
// restore the channel and release the lock.
func (c *Coordinator) Stop() {
	c.cancel()
}

// Execute runs the named action. Unknown names are rejected before anything
// is recorded. The returned invocation is the final history record; it is
// nil only when the name was rejected.
func (c *Coordinator) Execute(ctx context.Context, name string, args map[string]any) (*store.Invocation, *stack.SendResult, error) {
	a, err := action.ParseAction(name)
	if err != nil {
		return nil, nil, err
	}

	inv := &store.Invocation{
		ID:        newInvocationID(),
		Action:    a.String(),
		Source:    SourceFrom(ctx),
		Args:      args,
		Status:    store.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	c.save(inv)
	c.events.Emit(Event{Type: EventActionStarted, Data: ActionEvent{ID: inv.ID, Action: inv.Action, Source: inv.Source}})
	c.logger.Info("action started", "id", inv.ID, "action", inv.Action, "source", inv.Source)

	res, err := c.actions.DispatchAction(ctx, a, c.ctrl, args)

	finished := time.Now().UTC()
	inv.FinishedAt = &finished
	ev := ActionEvent{ID: inv.ID, Action: inv.Action, Source: inv.Source, Duration: inv.Duration()}
	if err != nil {
		inv.Status = store.StatusFailed
		inv.Error = err.Error()
		ev.Error = inv.Error
		c.logger.Warn("action failed", "id", inv.ID, "action", inv.Action, "duration", inv.Duration(), "err", err)
		c.events.Emit(Event{Type: EventActionFailed, Data: ev})
	} else {
		inv.Status = store.StatusSucceeded
		if res != nil && len(res.Response) > 0 {
			inv.Response = append([]byte(nil), res.Response...)
		}
		c.logger.Info("action completed", "id", inv.ID, "action", inv.Action, "duration", inv.Duration())
		c.events.Emit(Event{Type: EventActionCompleted, Data: ev})
	}
	c.save(inv)
	c.prune()
	return inv, res, err
}

// save records inv. History is an audit trail, so a failing store is
// logged and never fails the action.
func (c *Coordinator) save(inv *store.Invocation) {
	if err := c.store.SaveInvocation(inv); err != nil {
		c.logger.Error("save invocation", "id", inv.ID, "err", err)
	}
}

func (c *Coordinator) prune() {
	if c.config.HistoryKeep <= 0 {
		return
	}
	n, err := c.store.Prune(c.config.HistoryKeep)
	if err != nil {
		c.logger.Error("prune history", "err", err)
		return
	}
	if n > 0 {
		c.logger.Debug("history pruned", "removed", n)
	}
}

// Actions lists the supported actions.
func (c *Coordinator) Actions() []ActionInfo {
	out := make([]ActionInfo, len(action.Actions))
	for i, a := range action.Actions {
		out[i] = ActionInfo{Name: a.String(), Description: a.Description()}
	}
	return out
}

// NetworkParameters asks the stack for the current network and stores the
// answer. When the stack fails, the last stored snapshot is returned with
// Cached set; without one the stack error is returned.
func (c *Coordinator) NetworkParameters(ctx context.Context) (*NetworkInfo, error) {
	np, err := c.ctrl.NetworkParameters(ctx)
	if err == nil {
		now := time.Now().UTC()
		if serr := c.store.SaveNetworkState(&store.NetworkState{
			PanID:         np.PanID,
			ExtendedPanID: np.ExtendedPanID,
			Channel:       np.Channel,
			UpdatedAt:     now,
		}); serr != nil {
			c.logger.Error("save network state", "err", serr)
		}
		return &NetworkInfo{NetworkParameters: *np, UpdatedAt: now}, nil
	}

	ns, serr := c.store.GetNetworkState()
	if serr != nil {
		if !errors.Is(serr, store.ErrNotFound) {
			c.logger.Error("load network state", "err", serr)
		}
		return nil, fmt.Errorf("network parameters: %w", err)
	}
	c.logger.Warn("stack did not answer, using stored network state", "err", err, "updated", ns.UpdatedAt)
	return &NetworkInfo{
		NetworkParameters: stack.NetworkParameters{
			PanID:         ns.PanID,
			ExtendedPanID: ns.ExtendedPanID,
			Channel:       ns.Channel,
		},
		Cached:    true,
		UpdatedAt: ns.UpdatedAt,
	}, nil
}

// TouchlinkState reports the state of the touchlink sequencer.
func (c *Coordinator) TouchlinkState() TouchlinkStatus {
	state, ch := c.actions.Sequencer().State()
	return TouchlinkStatus{State: state.String(), Channel: ch}
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// History returns up to limit invocations, newest first.
func (c *Coordinator) History(limit int) ([]*store.Invocation, error) {
	return c.store.ListInvocations(limit)
}

// Invocation returns one history record.
func (c *Coordinator) Invocation(id string) (*store.Invocation, error) {
	return c.store.GetInvocation(id)
}

// Clusters returns the registered cluster schemas sorted by name.
func (c *Coordinator) Clusters() []zcl.ClusterDef {
	return c.clusters.All()
}

func newInvocationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}
