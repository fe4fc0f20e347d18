// Package publish mirrors controller state to an MQTT broker as a
// retained JSON document.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/shaunagostinho/fanbridge/internal/state"
)

// Config holds broker settings.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"clientId"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
}

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const publishTimeout = 2 * time.Second

// Publisher sends a snapshot to <prefix>/state after every change.
type Publisher struct {
	client Client
	topic  string
	log    *zap.SugaredLogger
}

// Message is the published payload.
type Message struct {
	State   state.Snapshot `json:"state"`
	Changed []string       `json:"changed,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// NewPublisher wraps an already configured client.
func NewPublisher(client Client, prefix string, log *zap.SugaredLogger) *Publisher {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "fanbridge"
	}
	return &Publisher{
		client: client,
		topic:  prefix + "/state",
		log:    log.Named("mqtt"),
	}
}

// Connect dials the broker and returns a Publisher on it. A broker that is
// down at startup is not fatal; paho keeps retrying in the background.
func Connect(cfg Config, log *zap.SugaredLogger) (*Publisher, mqtt.Client) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fanbridge"
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Named("mqtt").Infow("connected to broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Named("mqtt").Warnw("connection to broker lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		log.Named("mqtt").Warnw("could not connect to broker, retrying in background", "broker", cfg.Broker, "error", token.Error())
	}
	return NewPublisher(client, cfg.TopicPrefix, log), client
}

// Topic returns the state topic.
func (p *Publisher) Topic() string { return p.topic }

// Observe publishes the change. It has the signature of a state.Listener
// and does not wait for the broker to acknowledge.
func (p *Publisher) Observe(ch state.Change) {
	if err := p.Publish(ch.State, ch.Fields.Names()); err != nil {
		p.log.Warnw("publish failed", "topic", p.topic, "error", err)
	}
}

// Publish sends s as a retained message.
func (p *Publisher) Publish(s state.Snapshot, changed []string) error {
	payload, err := json.Marshal(Message{State: s, Changed: changed, Stamp: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("publish: marshal: %w", err)
	}
	token := p.client.Publish(p.topic, 0, true, payload)
	// QoS 0 completes as soon as the packet is queued; report queueing
	// errors without blocking the caller on the network.
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}
