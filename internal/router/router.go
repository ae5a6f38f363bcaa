package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Router fans incoming messages out to topic subscriptions. Every
// subscription owns a growable queue and a worker goroutine, so a blocking
// handler never stalls the transport that feeds Dispatch.
type Router struct {
	cfg    Config
	logger *slog.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	stopped bool

	// Stats
	received  int64
	routed    int64
	unmatched int64
	panics    int64
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
	buf     *GrowableBuffer[Message]
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	Unmatched        int64
	HandlerPanics    int64
	Subscriptions    int
}

// New creates a Router.
func New(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*subscription),
	}
}

// Add registers a handler for a topic pattern and starts its worker.
func (r *Router) Add(pattern string, handler Handler) (uint64, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}
	if handler == nil {
		return 0, fmt.Errorf("nil handler for %q", pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, fmt.Errorf("router stopped")
	}

	r.nextID++
	sub := &subscription{
		id:      r.nextID,
		pattern: pattern,
		handler: handler,
		buf:     NewGrowableBuffer[Message](r.cfg.BufferSize),
	}
	r.subs[sub.id] = sub

	r.wg.Add(1)
	go r.worker(sub)

	r.logger.Debug("subscription added", "id", sub.id, "pattern", pattern)
	return sub.id, nil
}

// Remove stops a subscription. Messages already queued are still delivered.
func (r *Router) Remove(id uint64) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		sub.buf.Close()
		r.logger.Debug("subscription removed", "id", id, "pattern", sub.pattern)
	}
}

// Dispatch queues msg on every matching subscription and returns how many
// matched.
func (r *Router) Dispatch(msg Message) int {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.received++
	matched := 0
	for _, sub := range r.subs {
		if !Match(sub.pattern, msg.Topic) {
			continue
		}
		if sub.buf.Send(msg) {
			matched++
		}
	}
	if matched == 0 {
		r.unmatched++
	} else {
		r.routed += int64(matched)
	}
	return matched
}

// Patterns returns the distinct active patterns in sorted order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.subs))
	var out []string
	for _, sub := range r.subs {
		if !seen[sub.pattern] {
			seen[sub.pattern] = true
			out = append(out, sub.pattern)
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		Unmatched:        r.unmatched,
		HandlerPanics:    r.panics,
		Subscriptions:    len(r.subs),
	}
}

// Stop closes every subscription and waits for workers to drain. Handlers
// still running see a cancelled context.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	subs := make([]*subscription, 0, len(r.subs))
	for id, sub := range r.subs {
		subs = append(subs, sub)
		delete(r.subs, id)
	}
	r.mu.Unlock()

	r.cancel()
	for _, sub := range subs {
		sub.buf.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("router stop timed out")
	}
	return nil
}

func (r *Router) worker(sub *subscription) {
	defer r.wg.Done()

	for {
		msg, ok := sub.buf.Receive()
		if !ok {
			return
		}
		r.deliver(sub, msg)
	}
}

func (r *Router) deliver(sub *subscription, msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.panics++
			r.mu.Unlock()
			r.logger.Error("handler panicked",
				"pattern", sub.pattern,
				"topic", msg.Topic,
				"panic", p,
			)
		}
	}()
	sub.handler(r.ctx, msg)
}
