//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-actions/internal/coordinator"
	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/store"
)

// DefaultRunTimeout bounds a one-shot script run. A Hue reset alone takes
// more than sixteen seconds.
const DefaultRunTimeout = time.Minute

// Runtime is the part of the coordinator scripts can reach.
type Runtime interface {
	Execute(ctx context.Context, name string, args map[string]any) (*store.Invocation, *stack.SendResult, error)
	NetworkParameters(ctx context.Context) (*coordinator.NetworkInfo, error)
	Events() *coordinator.EventBus
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for an event type.
type luaEventHandler struct {
	eventType string
	action    string // filter on action_* events (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
	logf     func(msg string)
}

// Engine runs Lua scripts against the coordinator. Enabled scripts stay
// loaded and receive events through zigbee.on.
type Engine struct {
	rt         Runtime
	manager    *Manager
	logger     *slog.Logger
	runTimeout time.Duration

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine. A runTimeout of zero selects
// DefaultRunTimeout.
func NewEngine(rt Runtime, mgr *Manager, runTimeout time.Duration, logger *slog.Logger) *Engine {
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	return &Engine{
		rt:         rt,
		manager:    mgr,
		logger:     logger.With("component", "automation"),
		runTimeout: runTimeout,
		vms:        make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.rt.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Scripts lists the scripts on disk.
func (e *Engine) Scripts() ([]*Script, error) {
	return e.manager.List()
}

// Running reports whether the script has a loaded VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a script once in a fresh sandboxed VM. Handlers the
// script registers with zigbee.on are not kept.
func (e *Engine) RunScript(ctx context.Context, id string) (*RunResult, error) {
	s, err := e.manager.Get(id)
	if err != nil {
		return nil, err
	}
	return e.RunLuaCode(ctx, s.ID, s.LuaCode), nil
}

// RunLuaCode executes code in a temporary sandboxed VM and captures its
// zigbee.log output.
func (e *Engine) RunLuaCode(ctx context.Context, id, code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	var logs []string
	var logMu sync.Mutex
	vm := &scriptVM{
		id:       id,
		commands: make(chan func(*lua.LState), 1),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	L := e.newState(vm)
	defer L.Close()
	L.SetContext(ctx)

	err := L.DoString(code)
	dur := time.Since(start)

	logMu.Lock()
	defer logMu.Unlock()
	if logs == nil {
		logs = []string{}
	}
	if err != nil {
		errStr := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(errStr, "context deadline exceeded") {
			errStr = fmt.Sprintf("timeout (%s)", e.runTimeout)
		}
		e.logger.Warn("script run failed", "id", id, "err", errStr, "duration", dur)
		return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: dur.String()}
	}
	e.logger.Info("script run complete", "id", id, "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

// newState creates a sandboxed Lua state with the zigbee module.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	vm.state = L
	registerZigbeeModule(L, vm, e)
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &scriptVM{
		id:       s.ID,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(msg string) {
			e.logger.Info("script log", "id", s.ID, "msg", msg)
		},
	}
	L := e.newState(vm)

	// Top-level code registers handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if prev, ok := e.vms[s.ID]; ok {
		prev.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes an EventBus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	data := eventData(event)
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, data) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm, fn, event.Type, data) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "id", vm.id, "type", event.Type)
			}
		}
	}
}

// eventData flattens typed event payloads into the generic shape scripts see.
func eventData(event coordinator.Event) map[string]any {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

func matchesHandler(h luaEventHandler, eventType string, data map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.action != "" {
		if a, _ := data["action"].(string); a != h.action {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", vm.id, "err", r)
		}
	}()

	eventTable := L.NewTable()
	for k, v := range data {
		eventTable.RawSetString(k, goToLua(L, v))
	}
	eventTable.RawSetString("type", lua.LString(eventType))

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "id", vm.id, "err", err)
	}
}
