// Package publish pushes committed readings to an MQTT broker so dashboards can
// update without polling the database.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

const (
	DefaultTopicPrefix = "growjournal/readings"
	publishTimeout     = 5 * time.Second
)

// Publisher sends one payload to a topic, giving up when ctx is done.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// BrokerConfig holds MQTT connection settings.
type BrokerConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// PahoClient adapts a paho client to Publisher.
type PahoClient struct {
	client mqtt.Client
}

// Connect dials the broker.
func Connect(cfg BrokerConfig) (*PahoClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return &PahoClient{client: client}, nil
}

// Publish implements Publisher with QoS 1, not retained.
func (c *PahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s abandoned: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the connection, waiting briefly for in-flight messages.
func (c *PahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// ReadingPublisher implements sensor.ReadingObserver by publishing each
// committed reading to <prefix>/<zone>/<vendor>/<device>.
type ReadingPublisher struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// NewReadingPublisher creates a ReadingPublisher. An empty prefix uses
// DefaultTopicPrefix.
func NewReadingPublisher(pub Publisher, prefix string, logger *zap.Logger) *ReadingPublisher {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &ReadingPublisher{pub: pub, prefix: prefix, logger: logger}
}

// Topic returns the topic for a device's readings.
func (p *ReadingPublisher) Topic(zoneID string, vendor sensor.Vendor, deviceID string) string {
	if zoneID == "" {
		zoneID = "unassigned"
	}
	return strings.Join([]string{p.prefix, topicSegment(zoneID), string(vendor), topicSegment(deviceID)}, "/")
}

// ReadingsCommitted implements sensor.ReadingObserver. The whole batch shares
// one publish budget bounded by ctx, so a broker outage cannot hold up the
// cycle. Failures are logged; the readings are already persisted.
func (p *ReadingPublisher) ReadingsCommitted(ctx context.Context, d sensor.Device, readings []sensor.SensorReading) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	for i, r := range readings {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("mqtt publish budget exhausted, skipping readings",
				zap.String("device", d.Key()),
				zap.Int("skipped", len(readings)-i),
				zap.Error(err))
			return
		}
		payload, err := json.Marshal(r)
		if err != nil {
			p.logger.Warn("failed to encode reading", zap.String("device", d.Key()), zap.Error(err))
			continue
		}
		topic := p.Topic(r.ZoneID, r.Vendor, r.DeviceID)
		if err := p.pub.Publish(ctx, topic, payload); err != nil {
			p.logger.Warn("failed to publish reading",
				zap.String("topic", topic),
				zap.String("metric", r.Metric),
				zap.Error(err))
		}
	}
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(s string) string {
	return topicReplacer.Replace(s)
}
