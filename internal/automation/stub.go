//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrScriptNotFound is returned for every script when automation is disabled.
var ErrScriptNotFound = errors.New("script not found")

// ScriptMeta holds script metadata.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single Lua file in the scripts directory.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get always fails.
func (m *Manager) Get(id string) (*Script, error) { return nil, ErrScriptNotFound }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ any, _ *Manager, _ time.Duration, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Scripts returns nil.
func (e *Engine) Scripts() ([]*Script, error) { return nil, nil }

// Running returns false.
func (e *Engine) Running(string) bool { return false }

// RunScript always fails.
func (e *Engine) RunScript(_ context.Context, _ string) (*RunResult, error) {
	return nil, ErrScriptNotFound
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(_ context.Context, _, _ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled", Logs: []string{}}
}
