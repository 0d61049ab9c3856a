package main

import (
	"context"

	"github.com/nerrad567/systemctl-mqtt/internal/bridge"
	"github.com/nerrad567/systemctl-mqtt/internal/history"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/systemctl-mqtt/internal/systemd"
)

// mqttBridgeAdapter adapts *mqtt.Client to bridge.MQTTClient.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(msg bridge.Message)) error {
	return a.client.Subscribe(topic, qos, func(msg mqtt.Message) error {
		handler(toBridgeMessage(msg))
		return nil
	})
}

func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

func toBridgeMessage(msg mqtt.Message) bridge.Message {
	return bridge.Message{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		Retained: msg.Retained,
	}
}

// loginAdapter adapts *systemd.Login1Manager to bridge.LoginManager.
type loginAdapter struct {
	*systemd.Login1Manager
}

func (a loginAdapter) Inhibit(ctx context.Context, what, who, why, mode string) (bridge.Lock, error) {
	lock, err := a.Login1Manager.Inhibit(ctx, what, who, why, mode)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// historyRecorder adapts a history.Repository to bridge.ActionRecorder.
type historyRecorder struct {
	repo history.Repository
}

func (h *historyRecorder) RecordAction(ctx context.Context, rec bridge.ActionRecord) error {
	return h.repo.Create(ctx, &history.Entry{
		Action:     rec.Action,
		Topic:      rec.Topic,
		Source:     rec.Source,
		Status:     rec.Status,
		Error:      rec.Error,
		DurationMS: rec.Duration.Milliseconds(),
	})
}
