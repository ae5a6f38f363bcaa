package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/bus"
	"github.com/RWTH-EBC/PHOENAIX/internal/router"
)

// Bus is a bus.Bus over a websocket connection to a broker.
type Bus struct {
	cfg    BusConfig
	logger *slog.Logger
	router *router.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	client   Client
	patterns map[string]int // pattern → local subscriber count
	closed   bool

	// Request/ack correlation
	pendingMu sync.Mutex
	pending   map[uint64]chan Frame
	cmdID     atomic.Uint64

	published  atomic.Int64
	received   atomic.Int64
	reconnects atomic.Int64
}

var _ bus.Bus = (*Bus)(nil)

// Dial connects to the broker. The first connection must succeed; later
// losses are retried in the background until Close.
func Dial(ctx context.Context, cfg BusConfig, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultBusConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = def.ReconnectMaxWait
	}
	logger = logger.With("component", "ws_bus", "client_id", cfg.Client.ClientID)

	b := &Bus{
		cfg:      cfg,
		logger:   logger,
		router:   router.New(router.DefaultConfig(), logger),
		patterns: make(map[string]int),
		pending:  make(map[uint64]chan Frame),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	c := NewClient(cfg.Client, logger)
	if err := c.Connect(ctx); err != nil {
		b.cancel()
		return nil, fmt.Errorf("connect %s: %w", cfg.Client.URL, err)
	}
	b.client = c

	b.wg.Add(1)
	go b.readLoop(c)

	return b, nil
}

func (b *Bus) currentClient() Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := router.ValidateTopic(topic); err != nil {
		return err
	}
	b.mu.Lock()
	closed, c := b.closed, b.client
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	if err := c.Send(Frame{Op: OpPublish, Topic: topic, Payload: payload}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe registers handler locally and, for the first subscriber of a
// pattern, at the broker. A subscription made while disconnected is kept
// and sent once the connection is back.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler bus.Handler) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	id, err := b.router.Add(pattern, handler)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.patterns[pattern]++
	first := b.patterns[pattern] == 1
	b.mu.Unlock()

	if first {
		err := b.request(ctx, Frame{Op: OpSubscribe, Pattern: pattern})
		switch {
		case errors.Is(err, ErrNotConnected):
			b.logger.Warn("subscribed while disconnected, will replay", "pattern", pattern)
		case err != nil:
			b.release(id, pattern, false)
			return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
		}
	}

	var once sync.Once
	return bus.SubscriptionFunc(func() error {
		once.Do(func() { b.release(id, pattern, true) })
		return nil
	}), nil
}

func (b *Bus) release(id uint64, pattern string, notify bool) {
	b.router.Remove(id)

	b.mu.Lock()
	b.patterns[pattern]--
	last := b.patterns[pattern] <= 0
	if last {
		delete(b.patterns, pattern)
	}
	c, closed := b.client, b.closed
	b.mu.Unlock()

	if last && notify && !closed {
		if err := c.Send(Frame{Op: OpUnsubscribe, Pattern: pattern}); err != nil && !errors.Is(err, ErrNotConnected) {
			b.logger.Debug("unsubscribe failed", "pattern", pattern, "error", err)
		}
	}
}

// request sends a frame and waits for the broker's ack.
func (b *Bus) request(ctx context.Context, f Frame) error {
	f.ID = b.cmdID.Add(1)
	respCh := make(chan Frame, 1)

	b.pendingMu.Lock()
	b.pending[f.ID] = respCh
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, f.ID)
		b.pendingMu.Unlock()
	}()

	if err := b.currentClient().Send(f); err != nil {
		return err
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return bus.ErrClosed
	case <-timer.C:
		return ErrTimeout
	case resp := <-respCh:
		if resp.Op == OpError {
			return fmt.Errorf("broker: %s", resp.Error)
		}
		return nil
	}
}

func (b *Bus) routeResponse(f Frame) {
	b.pendingMu.Lock()
	ch, ok := b.pending[f.ID]
	b.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// readLoop reads frames from a connection and routes them.
func (b *Bus) readLoop(c Client) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return

		case err := <-c.Errors():
			b.logger.Warn("connection error", "error", err)
			b.wg.Add(1)
			go b.reconnect()
			return

		case tf := <-c.Frames():
			switch tf.Frame.Op {
			case OpMessage:
				b.received.Add(1)
				b.router.Dispatch(router.Message{
					Topic:      tf.Frame.Topic,
					Payload:    tf.Frame.Payload,
					ReceivedAt: tf.ReceivedAt,
				})
			case OpAck, OpError:
				b.routeResponse(tf.Frame)
			default:
				b.logger.Debug("ignoring frame", "op", tf.Frame.Op)
			}
		}
	}
}

// reconnect re-establishes the connection with exponential backoff and
// replays every active subscription.
func (b *Bus) reconnect() {
	defer b.wg.Done()

	wait := b.cfg.ReconnectBaseWait

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(wait):
		}

		b.logger.Info("attempting reconnection", "url", b.cfg.Client.URL)

		c := NewClient(b.cfg.Client, b.logger)
		if err := c.Connect(b.ctx); err != nil {
			b.logger.Warn("reconnection failed", "error", err, "next_wait", wait*2)

			wait *= 2
			if wait > b.cfg.ReconnectMaxWait {
				wait = b.cfg.ReconnectMaxWait
			}
			continue
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = c.Close()
			return
		}
		old := b.client
		b.client = c
		patterns := make([]string, 0, len(b.patterns))
		for p := range b.patterns {
			patterns = append(patterns, p)
		}
		b.mu.Unlock()
		_ = old.Close()

		b.reconnects.Add(1)
		b.logger.Info("reconnected", "patterns", len(patterns))

		// The read loop must run before replaying so acks are routed.
		b.wg.Add(1)
		go b.readLoop(c)

		for _, p := range patterns {
			if err := b.request(b.ctx, Frame{Op: OpSubscribe, Pattern: p}); err != nil {
				b.logger.Warn("resubscribe failed", "pattern", p, "error", err)
			}
		}
		return
	}
}

// Stats returns current statistics.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusStats{
		Connected:  b.client != nil && b.client.IsConnected(),
		Patterns:   len(b.patterns),
		Published:  b.published.Load(),
		Received:   b.received.Load(),
		Reconnects: b.reconnects.Load(),
	}
}

// Close shuts the connection and stops local delivery.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	c := b.client
	b.mu.Unlock()

	b.cancel()
	err := c.Close()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.router.Stop(ctx)

	b.logger.Info("websocket bus closed")
	return err
}
