package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"unitrack/internal/domain"
)

// Publisher delivers applied ledger entries downstream.
type Publisher interface {
	Publish(ctx context.Context, entry domain.LedgerEntry) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.LedgerEntry) error { return nil }

type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// MQTTPublisher publishes each entry as JSON to <prefix>/units/<unit_id>/events.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return newMQTTPublisher(client, opts), nil
}

func newMQTTPublisher(client mqtt.Client, opts MQTTOptions) *MQTTPublisher {
	prefix := strings.TrimRight(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "unitrack"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: opts.QoS, timeout: timeout}
}

func (p *MQTTPublisher) Topic(unitID string) string {
	return fmt.Sprintf("%s/units/%s/events", p.prefix, unitID)
}

func (p *MQTTPublisher) Publish(ctx context.Context, entry domain.LedgerEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	topic := p.Topic(entry.UnitID)
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
