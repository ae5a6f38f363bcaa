package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/RWTH-EBC/PHOENAIX/internal/router"
)

// MQTTConfig configures the MQTT adapter.
type MQTTConfig struct {
	Broker         string // e.g. "tcp://localhost:1883"
	ClientID       string // Random when empty
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTT is a Bus backed by an MQTT broker. All broker deliveries go through
// one default handler and are fanned out locally, so overlapping patterns
// do not produce extra copies.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	router *router.Router
	logger *slog.Logger

	mu     sync.Mutex
	refs   map[string]int // pattern -> local subscriptions
	closed bool
}

// DialMQTT connects to the broker.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "market-" + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	m := &MQTT{
		cfg:    cfg,
		logger: logger.With("component", "mqtt_bus", "client_id", cfg.ClientID),
		refs:   make(map[string]int),
	}
	m.router = router.New(router.DefaultConfig(), m.logger)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetDefaultPublishHandler(m.onMessage).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("mqtt connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	m.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, m.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	m.logger.Info("mqtt connected", "broker", cfg.Broker)
	return m, nil
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := router.ValidateTopic(topic); err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := waitToken(ctx, m.client.Publish(topic, m.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	first := m.refs[pattern] == 0
	m.refs[pattern]++
	m.mu.Unlock()

	id, err := m.router.Add(pattern, handler)
	if err != nil {
		m.release(pattern)
		return nil, err
	}
	if first {
		if err := waitToken(ctx, m.client.Subscribe(pattern, m.cfg.QoS, nil)); err != nil {
			m.router.Remove(id)
			m.release(pattern)
			return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
		}
	}

	return SubscriptionFunc(func() error {
		m.router.Remove(id)
		if m.release(pattern) {
			tok := m.client.Unsubscribe(pattern)
			if !tok.WaitTimeout(m.cfg.ConnectTimeout) {
				return fmt.Errorf("unsubscribe %s: timeout", pattern)
			}
			return tok.Error()
		}
		return nil
	}), nil
}

// release drops one reference and reports whether it was the last one.
func (m *MQTT) release(pattern string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[pattern]--
	if m.refs[pattern] <= 0 {
		delete(m.refs, pattern)
		return true
	}
	return false
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.client.Disconnect(250)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.router.Stop(ctx)
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.router.Dispatch(router.Message{
		Topic:      msg.Topic(),
		Payload:    msg.Payload(),
		ReceivedAt: time.Now(),
	})
}

// onConnect restores subscriptions after an automatic reconnect.
func (m *MQTT) onConnect(c mqtt.Client) {
	m.mu.Lock()
	patterns := make([]string, 0, len(m.refs))
	for p := range m.refs {
		patterns = append(patterns, p)
	}
	m.mu.Unlock()

	for _, p := range patterns {
		tok := c.Subscribe(p, m.cfg.QoS, nil)
		if tok.WaitTimeout(m.cfg.ConnectTimeout) && tok.Error() != nil {
			m.logger.Warn("resubscribe failed", "pattern", p, "error", tok.Error())
		}
	}
	if len(patterns) > 0 {
		m.logger.Info("mqtt resubscribed", "patterns", len(patterns))
	}
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
