// Package bridge exposes the coordinator's actions over message brokers.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"zigbee-actions/internal/action"
	"zigbee-actions/internal/coordinator"
	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/store"
)

// Executor runs actions. *coordinator.Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (*store.Invocation, *stack.SendResult, error)
}

// Request is the inbound envelope.
type Request struct {
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	Transaction string         `json:"transaction,omitempty"`
}

// Response is the reply envelope. Status is "ok" or "error".
type Response struct {
	Status      string  `json:"status"`
	Data        *Result `json:"data,omitempty"`
	Error       string  `json:"error,omitempty"`
	Code        string  `json:"code,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
}

// Result is the data of a successful reply.
type Result struct {
	ID       string          `json:"id"`
	Action   string          `json:"action"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Handler turns raw request payloads into replies.
type Handler struct {
	exec    Executor
	source  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewHandler creates a handler tagging invocations with source. A timeout of
// zero leaves requests bounded only by the parent context.
func NewHandler(exec Executor, source string, timeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		exec:    exec,
		source:  source,
		timeout: timeout,
		logger:  logger,
	}
}

// Handle decodes payload, runs the action and builds the reply.
func (h *Handler) Handle(ctx context.Context, payload []byte) *Response {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logger.Warn("invalid request JSON", "err", err)
		return &Response{Status: "error", Error: "invalid request JSON: " + err.Error(), Code: action.CodeMalformedRequest}
	}
	if req.Action == "" {
		return &Response{Status: "error", Error: "action is required", Code: action.CodeMalformedRequest, Transaction: req.Transaction}
	}

	ctx = coordinator.WithSource(ctx, h.source)
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	inv, res, err := h.exec.Execute(ctx, req.Action, req.Params)
	if err != nil {
		h.logger.Debug("action request failed", "action", req.Action, "transaction", req.Transaction, "err", err)
		return &Response{Status: "error", Error: err.Error(), Code: action.ErrorCode(err), Transaction: req.Transaction}
	}
	out := &Result{ID: inv.ID, Action: inv.Action}
	if res != nil {
		out.Response = res.Response
	}
	return &Response{Status: "ok", Data: out, Transaction: req.Transaction}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
