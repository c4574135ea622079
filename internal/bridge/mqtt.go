//go:build !no_mqtt

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-actions/internal/coordinator"
)

// MQTTConfig holds MQTT bridge configuration.
type MQTTConfig struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string
	TopicPrefix    string
	RequestTimeout time.Duration
}

// MQTTBridge serves action requests on <prefix>/bridge/request/action and
// publishes coordinator events on <prefix>/bridge/event.
type MQTTBridge struct {
	client  pahomqtt.Client
	coord   *coordinator.Coordinator
	handler *Handler
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewMQTTBridge creates and connects an MQTT bridge.
func NewMQTTBridge(coord *coordinator.Coordinator, cfg MQTTConfig, logger *slog.Logger) (*MQTTBridge, error) {
	b := newMQTTBridge(coord, coord, cfg.TopicPrefix, cfg.RequestTimeout, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-actions-bridge"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("state"), "offline", 1, true).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			if err := b.subscribe(client); err != nil {
				b.logger.Error("subscribe action requests", "err", err)
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newMQTTBridge(coord *coordinator.Coordinator, exec Executor, prefix string, timeout time.Duration, logger *slog.Logger) *MQTTBridge {
	logger = logger.With("component", "mqtt")
	parent := context.Background()
	if coord != nil {
		parent = coord.Context()
	}
	ctx, cancel := context.WithCancel(parent)
	return &MQTTBridge{
		coord:   coord,
		handler: NewHandler(exec, "mqtt", timeout, logger),
		prefix:  strings.TrimSuffix(prefix, "/"),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to coordinator events and begins publishing them.
func (b *MQTTBridge) Start() {
	if b.coord != nil {
		b.unsub = b.coord.Events().OnAll(b.handleEvent)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, waits for running requests, and disconnects.
// Running requests see their context cancelled.
func (b *MQTTBridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *MQTTBridge) topic(suffix string) string {
	return b.prefix + "/bridge/" + suffix
}

func (b *MQTTBridge) subscribe(client pahomqtt.Client) error {
	token := client.Subscribe(b.topic("request/action"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.dispatch(msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

// dispatch runs each request in its own goroutine; a reset holds the radio
// for 16 channels and must not block the client's message loop.
func (b *MQTTBridge) dispatch(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		return
	}
	data := append([]byte(nil), payload...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		resp := b.handler.Handle(b.ctx, data)
		b.publish(b.topic("response/action"), mustJSON(resp), false)
	}()
}

func (b *MQTTBridge) handleEvent(event coordinator.Event) {
	b.publish(b.topic("event"), mustJSON(event), false)
}

func (b *MQTTBridge) publishBridgeState(state string) {
	b.publish(b.topic("state"), []byte(state), true)
}

func (b *MQTTBridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
