package stack

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"zigbee-actions/internal/zcl"
)

// RPC methods understood by the stack service.
const (
	MethodNetworkParameters = "network_parameters"
	MethodSendRaw           = "send_raw"
	MethodTouchlinkLock     = "touchlink_lock"
	MethodTouchlinkChannel  = "touchlink_set_channel"
	MethodTouchlinkRestore  = "touchlink_restore_channel"
)

const (
	defaultRequestTimeout = 10 * time.Second
	sendRawMargin         = 2 * time.Second
	errCodeLocked         = "touchlink_locked"
)

// MQTTConfig holds the connection settings for the stack's RPC topics.
type MQTTConfig struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string
	TopicPrefix    string
	RequestTimeout time.Duration
}

type rpcRequest struct {
	Transaction string `json:"transaction"`
	Params      any    `json:"params,omitempty"`
}

type rpcReply struct {
	Transaction string          `json:"transaction"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
}

type sendRawParams struct {
	Payload        *RawCommand                `json:"payload"`
	CustomClusters map[string]*zcl.ClusterDef `json:"customClusters,omitempty"`
	PayloadHex     string                     `json:"payloadHex,omitempty"`
}

// MQTTController implements Controller as JSON request/response over MQTT.
// Requests go to <prefix>/request/<method>, replies come back on
// <prefix>/response/<method> and are matched by transaction id.
type MQTTController struct {
	client  pahomqtt.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	pending map[string]chan rpcReply
	mu      sync.Mutex

	// Held while this process owns the touchlink lock, so contention fails
	// without a round trip.
	locked atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewMQTTController connects to the broker and subscribes to the reply topics.
func NewMQTTController(cfg MQTTConfig, logger *slog.Logger) (*MQTTController, error) {
	c := newController(nil, cfg.TopicPrefix, cfg.RequestTimeout, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-actions"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			c.logger.Info("stack MQTT connected")
			if err := c.subscribe(client); err != nil {
				c.logger.Error("subscribe stack replies", "err", err)
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("stack MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	c.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("stack mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("stack mqtt connect: %w", err)
	}
	return c, nil
}

func newController(client pahomqtt.Client, prefix string, timeout time.Duration, logger *slog.Logger) *MQTTController {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &MQTTController{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: timeout,
		logger:  logger.With("component", "stack"),
		pending: make(map[string]chan rpcReply),
		done:    make(chan struct{}),
	}
}

func (c *MQTTController) subscribe(client pahomqtt.Client) error {
	token := client.Subscribe(c.prefix+"/response/#", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleReply(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

func (c *MQTTController) handleReply(topic string, payload []byte) {
	var reply rpcReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		c.logger.Warn("invalid stack reply", "topic", topic, "err", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[reply.Transaction]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("stack reply for unknown transaction", "topic", topic, "transaction", reply.Transaction)
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// call publishes one request and waits for the matching reply. out may be
// nil when the reply data is not needed.
func (c *MQTTController) call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan rpcReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{Transaction: id, Params: params})
	if err != nil {
		return fmt.Errorf("stack %s: marshal: %w", method, err)
	}

	token := c.client.Publish(c.prefix+"/request/"+method, 1, false, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("stack %s: publish: %w", method, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("stack %s: %w", method, ctx.Err())
	}
	c.logger.Debug("stack TX", "method", method, "transaction", id, "payload", string(data))

	select {
	case reply := <-ch:
		if reply.Status != "ok" {
			c.logger.Warn("stack RX", "method", method, "transaction", id, "status", reply.Status, "error", reply.Error)
			if reply.Code == errCodeLocked {
				return fmt.Errorf("stack %s: %w", method, ErrTouchlinkLocked)
			}
			return fmt.Errorf("stack %s: %s", method, reply.Error)
		}
		c.logger.Debug("stack RX", "method", method, "transaction", id, "data", string(reply.Data))
		if out != nil && len(reply.Data) > 0 {
			if err := json.Unmarshal(reply.Data, out); err != nil {
				return fmt.Errorf("stack %s: decode reply: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.logger.Warn("stack timeout", "method", method, "transaction", id, "err", ctx.Err())
		return fmt.Errorf("stack %s: %w", method, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// NetworkParameters asks the stack for the current network parameters.
func (c *MQTTController) NetworkParameters(ctx context.Context) (*NetworkParameters, error) {
	var np NetworkParameters
	if err := c.call(ctx, MethodNetworkParameters, nil, &np); err != nil {
		return nil, err
	}
	return &np, nil
}

// SendRaw forwards one structured command. The call is bounded by the
// command's own timeout plus a margin for the round trip.
func (c *MQTTController) SendRaw(ctx context.Context, cmd *RawCommand, custom *zcl.ClusterDef) (*SendResult, error) {
	timeout := time.Duration(cmd.TimeoutMS)*time.Millisecond + sendRawMargin
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := sendRawParams{Payload: cmd}
	if custom != nil {
		params.CustomClusters = map[string]*zcl.ClusterDef{custom.Name: custom}
	}
	if cmd.ZCL != nil && len(cmd.ZCL.Encoded) > 0 {
		params.PayloadHex = hex.EncodeToString(cmd.ZCL.Encoded)
	}

	var result SendResult
	if err := c.call(ctx, MethodSendRaw, params, &result.Response); err != nil {
		return nil, err
	}
	return &result, nil
}

// Touchlink returns the inter-PAN controls.
func (c *MQTTController) Touchlink() Touchlink {
	return (*mqttTouchlink)(c)
}

// Close fails all in-flight calls. The MQTT client is disconnected when the
// controller owns it.
func (c *MQTTController) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.client != nil && c.client.IsConnected() {
			c.client.Disconnect(1000)
		}
		c.logger.Info("stack controller closed")
	})
	return nil
}

type mqttTouchlink MQTTController

func (t *mqttTouchlink) Lock(ctx context.Context, enable bool) error {
	c := (*MQTTController)(t)
	if enable {
		if !c.locked.CompareAndSwap(false, true) {
			return ErrTouchlinkLocked
		}
		err := c.call(ctx, MethodTouchlinkLock, map[string]bool{"enable": true}, nil)
		if errors.Is(err, ErrTouchlinkLocked) {
			c.locked.Store(false)
		}
		// On a lost or late reply the stack may hold the lock; keep the local
		// flag until the caller releases it.
		return err
	}
	err := c.call(ctx, MethodTouchlinkLock, map[string]bool{"enable": false}, nil)
	// The stack stays authoritative: if the release did not reach it, the
	// next acquire is refused remotely.
	c.locked.Store(false)
	return err
}

func (t *mqttTouchlink) SetChannelInterPAN(ctx context.Context, channel uint8) error {
	if channel < 11 || channel > 26 {
		return fmt.Errorf("stack %s: channel %d out of range 11..26", MethodTouchlinkChannel, channel)
	}
	return (*MQTTController)(t).call(ctx, MethodTouchlinkChannel, map[string]uint8{"channel": channel}, nil)
}

func (t *mqttTouchlink) RestoreChannelInterPAN(ctx context.Context) error {
	return (*MQTTController)(t).call(ctx, MethodTouchlinkRestore, nil, nil)
}
