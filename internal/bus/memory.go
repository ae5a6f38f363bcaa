package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/router"
)

// MemoryOptions tune the in-process bus.
type MemoryOptions struct {
	// Duplicates delivers every publication this many extra times.
	Duplicates int
}

// Memory is an in-process Bus.
type Memory struct {
	opts   MemoryOptions
	router *router.Router

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory(opts MemoryOptions, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		opts:   opts,
		router: router.New(router.DefaultConfig(), logger.With("component", "memory_bus")),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := router.ValidateTopic(topic); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	msg := router.Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now(),
	}
	for i := 0; i <= m.opts.Duplicates; i++ {
		m.router.Dispatch(msg)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	id, err := m.router.Add(pattern, handler)
	if err != nil {
		return nil, err
	}
	return SubscriptionFunc(func() error {
		m.router.Remove(id)
		return nil
	}), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.router.Stop(ctx)
}

// Stats exposes delivery counters.
func (m *Memory) Stats() router.Stats {
	return m.router.Stats()
}
