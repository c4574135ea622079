package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-actions/internal/action"
	"zigbee-actions/internal/bridge"
	"zigbee-actions/internal/coordinator"
	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/store"
	"zigbee-actions/internal/web"
	"zigbee-actions/internal/zcl"
	"zigbee-actions/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Stack struct {
		Broker         string `yaml:"broker"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		ClientID       string `yaml:"client_id"`
		TopicPrefix    string `yaml:"topic_prefix"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"stack"`
	Touchlink struct {
		Pacing string `yaml:"pacing"`
	} `yaml:"touchlink"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		JWTSecret      string   `yaml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path        string `yaml:"path"`
		HistoryKeep int    `yaml:"history_keep"`
	} `yaml:"store"`
	MQTT struct {
		Enabled        bool   `yaml:"enabled"`
		Broker         string `yaml:"broker"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		ClientID       string `yaml:"client_id"`
		TopicPrefix    string `yaml:"topic_prefix"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"mqtt"`
	NATS struct {
		Enabled        bool   `yaml:"enabled"`
		URL            string `yaml:"url"`
		SubjectPrefix  string `yaml:"subject_prefix"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"nats"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Scripts struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"scripts"`
	ClustersDir string `yaml:"clusters_dir"`
	ScriptsDir  string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Stack.Broker == "" {
		return fmt.Errorf("stack.broker is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Store.HistoryKeep < 0 {
		return fmt.Errorf("store.history_keep must not be negative, got %d", c.Store.HistoryKeep)
	}
	for name, v := range map[string]string{
		"stack.request_timeout": c.Stack.RequestTimeout,
		"touchlink.pacing":      c.Touchlink.Pacing,
		"mqtt.request_timeout":  c.MQTT.RequestTimeout,
		"nats.request_timeout":  c.NATS.RequestTimeout,
		"scripts.timeout":       c.Scripts.Timeout,
	} {
		if _, err := parseDuration(v, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-actions starting", "version", version)

	registry, err := newClusterRegistry(cfg.ClustersDir, logger)
	if err != nil {
		logger.Error("init cluster registry", "err", err)
		os.Exit(1)
	}
	logger.Info("ZCL registry initialized", "clusters", len(registry.All()))

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	stackTimeout, _ := parseDuration(cfg.Stack.RequestTimeout, 0)
	ctrl, err := stack.NewMQTTController(stack.MQTTConfig{
		Broker:         cfg.Stack.Broker,
		Username:       cfg.Stack.Username,
		Password:       cfg.Stack.Password,
		ClientID:       cfg.Stack.ClientID,
		TopicPrefix:    cfg.Stack.TopicPrefix,
		RequestTimeout: stackTimeout,
	}, logger)
	if err != nil {
		logger.Error("connect stack", "err", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	events := coordinator.NewEventBus(logger)
	pacing, _ := parseDuration(cfg.Touchlink.Pacing, action.DefaultPacing)
	seq := action.NewSequencer(registry, logger,
		action.WithPacing(pacing),
		action.WithObserver(coordinator.NewTouchlinkObserver(events)),
	)
	actions := action.NewRegistry(action.NewNormalizer(registry), seq, logger)
	coord := coordinator.New(ctrl, actions, db, registry, events, coordinator.Config{
		HistoryKeep: cfg.Store.HistoryKeep,
	}, logger)

	// Warm the network snapshot; a stack that is not ready yet is not fatal.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if np, err := coord.NetworkParameters(ctx); err != nil {
		logger.Warn("network parameters unavailable", "err", err)
	} else {
		logger.Info("network", "pan_id", np.PanID, "extended_pan_id", np.ExtendedPanID, "channel", np.Channel, "cached", np.Cached)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if cfg.Web.JWTSecret != "" {
		webOpts = append(webOpts, web.WithJWTSecret(cfg.Web.JWTSecret))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:        cfg.Web.Listen,
		Handler:     webServer,
		ReadTimeout: 15 * time.Second,
		// A factory reset holds the request for the whole channel sweep.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)
	natsBridge := initNATS(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if natsBridge != nil {
		natsBridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func newClusterRegistry(dir string, logger *slog.Logger) (*zcl.Registry, error) {
	registry := zcl.NewRegistry(logger)
	if err := clusters.RegisterAll(registry); err != nil {
		return nil, fmt.Errorf("register built-in clusters: %w", err)
	}
	if dir != "" {
		n, err := zcl.LoadClusterDir(dir, registry, logger)
		if err != nil {
			return nil, fmt.Errorf("load cluster definitions: %w", err)
		}
		logger.Info("loaded cluster definitions", "dir", dir, "count", n)
	}
	registry.Freeze()
	return registry, nil
}

func initNATS(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *bridge.NATSBridge {
	if !cfg.NATS.Enabled {
		return nil
	}
	timeout, _ := parseDuration(cfg.NATS.RequestTimeout, 0)
	b, err := bridge.NewNATSBridge(coord, bridge.NATSConfig{
		URL:            cfg.NATS.URL,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		RequestTimeout: timeout,
	}, logger)
	if err != nil {
		logger.Error("nats bridge", "err", err)
		return nil
	}
	if err := b.Start(); err != nil {
		logger.Error("start nats bridge", "err", err)
		b.Stop()
		return nil
	}
	return b
}

// parseDuration returns def for an empty string.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Stack.TopicPrefix == "" {
		cfg.Stack.TopicPrefix = "zigbee-stack"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zigbee-actions.db"
	}
	if cfg.Store.HistoryKeep == 0 {
		cfg.Store.HistoryKeep = 1000
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee-actions"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "zigbee-actions"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
