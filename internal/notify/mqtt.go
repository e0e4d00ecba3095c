// Package notify pushes kiosk decisions to an MQTT broker for door displays and signage.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"qrattendance/internal/kiosk"
)

// Config holds broker settings.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
}

// backlog is the number of decisions buffered while the broker is slow or away.
const backlog = 64

// ErrBacklogFull is returned by Notify when the publish buffer is full. The decision
// is dropped.
var ErrBacklogFull = errors.New("mqtt: publish backlog full")

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes one JSON message per decision to <topic>/<status>. Notify only
// buffers; Run does the publishing.
type MQTT struct {
	client  publisher
	topic   string
	timeout time.Duration
	pending chan outgoing
	logger  *slog.Logger
}

type outgoing struct {
	topic string
	body  []byte
}

// Connect dials the broker. The client reconnects on its own after a lost connection.
func Connect(cfg Config, logger *slog.Logger) (*MQTT, mqtt.Client, error) {
	logger = logger.With("module", "notify")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if strings.HasPrefix(cfg.BrokerURL, "ssl://") || strings.HasPrefix(cfg.BrokerURL, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.BrokerURL)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, nil, fmt.Errorf("mqtt connect to %s: timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect to %s: %w", cfg.BrokerURL, err)
	}
	return New(client, cfg.Topic, logger), client, nil
}

// New wraps an already connected client.
func New(client publisher, topic string, logger *slog.Logger) *MQTT {
	if topic == "" {
		topic = "attendance/decisions"
	}
	return &MQTT{
		client:  client,
		topic:   strings.TrimSuffix(topic, "/"),
		timeout: 5 * time.Second,
		pending: make(chan outgoing, backlog),
		logger:  logger,
	}
}

type message struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   kiosk.Entry `json:"payload"`
}

// Notify implements kiosk.Notifier. It queues the entry without waiting for the broker.
func (m *MQTT) Notify(_ context.Context, e kiosk.Entry) error {
	body, err := json.Marshal(message{Type: "decision", Timestamp: e.ObservedAt.UnixMilli(), Payload: e})
	if err != nil {
		return err
	}
	select {
	case m.pending <- outgoing{topic: m.topic + "/" + e.Status, body: body}:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Run publishes queued decisions with QoS 1 until ctx ends.
func (m *MQTT) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-m.pending:
			if err := m.publish(ctx, out); err != nil {
				m.logger.Warn("mqtt publish failed", "topic", out.topic, "error", err)
			}
		}
	}
}

func (m *MQTT) publish(ctx context.Context, out outgoing) error {
	token := m.client.Publish(out.topic, 1, false, out.body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("mqtt publish: timed out after %s", m.timeout)
	}
	return token.Error()
}
