// Package notify publishes session status to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bryanchriswhite/LayerCast/internal/logger"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// ErrNotConnected is returned by Publish before Connect succeeds or after
// the connection is lost.
var ErrNotConnected = errors.New("mqtt not connected")

// Config selects the broker and topic.
type Config struct {
	// Broker is "host:port" or a full URL such as "ssl://host:8883"
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Publisher sends retained JSON status messages.
type Publisher struct {
	cfg       Config
	client    mqtt.Client
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// New creates a publisher. Nothing is dialed until Connect.
func New(cfg Config) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "layercast"
	}
	return &Publisher{
		cfg:       cfg,
		newClient: mqtt.NewClient,
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. The client reconnects on its
// own after a later connection loss.
func (p *Publisher) Connect(ctx context.Context) error {
	log := logger.WithComponent("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		log.Info().Str("broker", p.cfg.Broker).Str("client_id", p.cfg.ClientID).Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		log.Warn().Err(err).Str("broker", p.cfg.Broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	p.client = p.newClient(opts)

	log.Info().Str("broker", p.cfg.Broker).Msg("Connecting to MQTT broker")
	if err := wait(ctx, p.client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.setConnected(true)
	return nil
}

// wait blocks on token for at most timeout or until ctx is done.
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-t.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish marshals v to JSON and publishes it retained on the configured
// topic, or on topic/sub when sub is set.
func (p *Publisher) Publish(ctx context.Context, sub string, v any) error {
	if !p.IsConnected() {
		p.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	topic := p.cfg.Topic
	if sub != "" {
		topic = strings.TrimSuffix(topic, "/") + "/" + sub
	}

	if err := wait(ctx, p.client.Publish(topic, p.cfg.QoS, true, payload), publishTimeout); err != nil {
		p.countError()
		return fmt.Errorf("mqtt publish: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	logger.WithComponent("mqtt").Debug().
		Str("topic", topic).
		Int("size", len(payload)).
		Msg("Status published")
	return nil
}

// Disconnect closes the MQTT connection
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		logger.WithComponent("mqtt").Info().Msg("MQTT disconnected")
	}
	p.setConnected(false)
}

// IsConnected reports the last known connection state.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Connected: p.connected,
		Published: p.published,
		Errors:    p.errors,
	}
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
