// Package notify pushes reservation events to station controllers over MQTT
// so a charger can hold or release a connector locally.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/reservation/domain"
)

// Config describes the broker connection.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// PublishTimeout caps the wait for broker acknowledgement. Zero means DefaultPublishTimeout.
	PublishTimeout time.Duration
}

// DefaultPublishTimeout bounds a publish when no shorter deadline applies.
const DefaultPublishTimeout = 2 * time.Second

// Client is the part of mqtt.Client the notifier needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier implements domain.EventPublisher.
type MQTTNotifier struct {
	client Client
	prefix string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
	close   func()
}

// Connect dials the broker and returns a notifier bound to it.
func Connect(cfg Config, logger *zap.Logger) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}
	opts := mqtt.NewClientOptions()
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "evreserve"
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}
	n := New(client, cfg.TopicPrefix, cfg.QoS, logger).WithPublishTimeout(cfg.PublishTimeout)
	n.close = func() {
		if client.IsConnected() {
			client.Disconnect(250)
		}
	}
	return n, nil
}

// New wraps an already connected client.
func New(client Client, prefix string, qos byte, logger *zap.Logger) *MQTTNotifier {
	if prefix == "" {
		prefix = "evreserve"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTNotifier{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		timeout: DefaultPublishTimeout,
		logger:  logger.Named("mqtt"),
	}
}

// WithPublishTimeout sets the acknowledgement wait. Non-positive values keep the current one.
func (n *MQTTNotifier) WithPublishTimeout(d time.Duration) *MQTTNotifier {
	if d > 0 {
		n.timeout = d
	}
	return n
}

// Topic is where events for a connector group are published.
func (n *MQTTNotifier) Topic(key domain.SlotKey) string {
	return fmt.Sprintf("%s/stations/%s/connectors/%s/reservations", n.prefix, topicSegment(key.StationID), topicSegment(key.ConnectorType))
}

// Publish sends the event without the owner's identity.
func (n *MQTTNotifier) Publish(ctx context.Context, event domain.Event) error {
	event.UserID = ""
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := n.Topic(domain.SlotKey{StationID: event.StationID, ConnectorType: event.ConnectorType})
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	token := n.client.Publish(topic, n.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, domain.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	n.logger.Debug("event published", zap.String("topic", topic), zap.String("type", string(event.Type)))
	return nil
}

// Close disconnects from the broker when the notifier owns the connection.
func (n *MQTTNotifier) Close() {
	if n.close != nil {
		n.close()
	}
}

// MQTT wildcards and separators cannot appear inside a topic level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
