//go:build !no_mqtt

package main

import (
	"log/slog"

	"zigbee-actions/internal/bridge"
	"zigbee-actions/internal/coordinator"
)

type mqttStopper struct {
	bridge *bridge.MQTTBridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	timeout, _ := parseDuration(cfg.MQTT.RequestTimeout, 0)
	b, err := bridge.NewMQTTBridge(coord, bridge.MQTTConfig{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		RequestTimeout: timeout,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	b.Start()
	return &mqttStopper{bridge: b}
}
