//go:build !no_automation

package main

import (
	"log/slog"

	"zigbee-actions/internal/automation"
	"zigbee-actions/internal/coordinator"
	"zigbee-actions/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	runTimeout, err := parseDuration(cfg.Scripts.Timeout, automation.DefaultRunTimeout)
	if err != nil {
		logger.Warn("invalid scripts.timeout, using default", "value", cfg.Scripts.Timeout, "default", automation.DefaultRunTimeout)
		runTimeout = automation.DefaultRunTimeout
	}

	engine := automation.NewEngine(coord, scriptMgr, runTimeout, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine),
	}
	return &autoStopper{engine: engine}, opts
}
