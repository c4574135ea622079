package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"zigbee-actions/internal/coordinator"
)

// NATSConfig holds NATS bridge configuration.
type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	RequestTimeout time.Duration
}

// NATSBridge serves the same envelopes as the MQTT bridge as NATS
// request/reply on <prefix>.request.action. Events go to <prefix>.event.
type NATSBridge struct {
	nc      *nats.Conn
	coord   *coordinator.Coordinator
	handler *Handler
	prefix  string
	logger  *slog.Logger
	sub     *nats.Subscription
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	wg      sync.WaitGroup

	respond func(msg *nats.Msg, data []byte) error
	publish func(subject string, data []byte) error
}

// NewNATSBridge connects to the NATS server.
func NewNATSBridge(coord *coordinator.Coordinator, cfg NATSConfig, logger *slog.Logger) (*NATSBridge, error) {
	b := newNATSBridge(coord, coord, cfg.SubjectPrefix, cfg.RequestTimeout, logger)
	nc, err := nats.Connect(cfg.URL,
		nats.Name("zigbee-actions"),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.nc = nc
	b.publish = nc.Publish
	return b, nil
}

func newNATSBridge(coord *coordinator.Coordinator, exec Executor, prefix string, timeout time.Duration, logger *slog.Logger) *NATSBridge {
	logger = logger.With("component", "nats")
	parent := context.Background()
	if coord != nil {
		parent = coord.Context()
	}
	ctx, cancel := context.WithCancel(parent)
	return &NATSBridge{
		coord:   coord,
		handler: NewHandler(exec, "nats", timeout, logger),
		prefix:  strings.TrimSuffix(prefix, "."),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		respond: func(msg *nats.Msg, data []byte) error { return msg.Respond(data) },
	}
}

func (b *NATSBridge) subject(suffix string) string {
	return b.prefix + "." + suffix
}

// Start subscribes to action requests and coordinator events.
func (b *NATSBridge) Start() error {
	sub, err := b.nc.Subscribe(b.subject("request.action"), b.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe action requests: %w", err)
	}
	b.sub = sub
	if b.coord != nil {
		b.unsub = b.coord.Events().OnAll(b.handleEvent)
	}
	b.logger.Info("NATS bridge started", "prefix", b.prefix)
	return nil
}

// Stop unsubscribes, waits for running requests and drains the connection.
func (b *NATSBridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("NATS unsubscribe", "err", err)
		}
	}
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.logger.Warn("NATS drain", "err", err)
		}
	}
	b.logger.Info("NATS bridge stopped")
}

func (b *NATSBridge) handleMsg(msg *nats.Msg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		resp := b.handler.Handle(b.ctx, msg.Data)
		if msg.Reply == "" {
			b.logger.Debug("action request without reply subject", "action_status", resp.Status)
			return
		}
		if err := b.respond(msg, mustJSON(resp)); err != nil {
			b.logger.Warn("NATS respond", "err", err)
		}
	}()
}

func (b *NATSBridge) handleEvent(event coordinator.Event) {
	if b.publish == nil {
		return
	}
	if err := b.publish(b.subject("event"), mustJSON(event)); err != nil {
		b.logger.Warn("NATS publish event", "type", event.Type, "err", err)
	}
}
