// Package mqttmirror republishes operational events to an MQTT broker
// so store dashboards and automations can react to assistant activity
// without touching the gateway.
package mqttmirror

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/mgalvez/vera-agent/internal/events"
)

// Config holds broker settings.
type Config struct {
	Broker     string // mqtt://host:1883 or mqtts://host:8883
	Username   string
	Password   string
	DeviceName string
}

// Mirror forwards bus events to the broker for as long as its context
// lives.
type Mirror struct {
	cfg Config
	bus *events.Bus
	cm  *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. Call [Mirror.Start] to
// begin forwarding.
func New(cfg Config, bus *events.Bus) *Mirror {
	return &Mirror{cfg: cfg, bus: bus}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. The availability topic carries online/offline with a
// retained will, so consumers can tell a quiet assistant from a dead
// one.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.availabilityTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			slog.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			slog.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "vera-" + m.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		slog.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.forward(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishAvailability(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// forward drains the bus subscription until ctx is cancelled.
func (m *Mirror) forward(ctx context.Context) {
	ch := m.bus.Subscribe(64)
	defer m.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.publishEvent(ctx, ev)
		}
	}
}

func (m *Mirror) publishEvent(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("mqtt event marshal failed", "kind", ev.Kind, "error", err)
		return
	}
	topic := fmt.Sprintf("%s/events/%s/%s", m.baseTopic(), ev.Source, ev.Kind)

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: payload,
	}); err != nil {
		slog.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		QoS:     1,
		Retain:  true,
		Payload: []byte(state),
	}); err != nil {
		slog.Warn("mqtt availability publish failed", "state", state, "error", err)
	}
}

func (m *Mirror) baseTopic() string {
	return "vera/" + m.cfg.DeviceName
}

func (m *Mirror) availabilityTopic() string {
	return m.baseTopic() + "/availability"
}
