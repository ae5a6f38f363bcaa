package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RWTH-EBC/PHOENAIX/internal/barrier"
	"github.com/RWTH-EBC/PHOENAIX/internal/bus"
	"github.com/RWTH-EBC/PHOENAIX/internal/metrics"
	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
	"github.com/RWTH-EBC/PHOENAIX/internal/writer"
)

// ErrRoundLimit is logged when a start command arrives after max rounds.
var ErrRoundLimit = errors.New("round limit reached")

// Config configures a Controller.
type Config struct {
	Agents           []string
	CoordinatorID    string
	Autostart        bool
	MinRoundDuration time.Duration
	MaxRounds        int // 0 runs until stopped

	Barrier barrier.Options
	Policy  barrier.Policy

	// NegotiationTimeout bounds the wait for the coordinator. Zero uses
	// Barrier.Timeout.
	NegotiationTimeout time.Duration

	// ErrorBackoff is the pause after a failed round. Default 1s.
	ErrorBackoff time.Duration
}

// Options carry the controller's collaborators.
type Options struct {
	Recorder writer.Recorder
	Rounds   *metrics.Rounds
	// OnDone is called once after MaxRounds rounds.
	OnDone func()
	Logger *slog.Logger
}

type step struct {
	phase  protocol.Phase
	signal string
}

var roundSteps = []step{
	{protocol.PhaseForecast, protocol.TopicForecast},
	{protocol.PhaseOptimize, protocol.TopicOptimize},
	{protocol.PhaseNegotiation, protocol.TopicNegotiation},
	{protocol.PhaseGrid, protocol.TopicGrid},
	{protocol.PhasePrepare, protocol.TopicPrepare},
}

// Controller runs the round loop.
type Controller struct {
	cfg      Config
	bus      bus.Bus
	recorder writer.Recorder
	rounds   *metrics.Rounds
	onDone   func()
	logger   *slog.Logger

	group   *barrier.Group
	running atomic.Bool
	limited atomic.Bool
	round   atomic.Uint64

	control chan bus.Message
	notes   chan bus.Message
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu   sync.Mutex
	subs []bus.Subscription
}

// New creates a controller.
func New(cfg Config, b bus.Bus, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "controller")
	if opts.Recorder == nil {
		opts.Recorder = writer.Nop{}
	}
	if opts.Rounds == nil {
		opts.Rounds = metrics.NewRounds(0)
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	cfg.Barrier.Logger = logger

	return &Controller{
		cfg:      cfg,
		bus:      b,
		recorder: opts.Recorder,
		rounds:   opts.Rounds,
		onDone:   opts.OnDone,
		logger:   logger,
		group:    barrier.NewGroup(),
		control:  make(chan bus.Message, 16),
		notes:    make(chan bus.Message, 1024),
		wake:     make(chan struct{}, 1),
	}
}

// Running reports whether rounds are being started.
func (c *Controller) Running() bool { return c.running.Load() }

// Round returns the number of the current or last round.
func (c *Controller) Round() uint64 { return c.round.Load() }

// Rounds returns the statistics of the completed rounds.
func (c *Controller) Rounds() []metrics.RoundStats { return c.rounds.All() }

// Summary aggregates the completed rounds.
func (c *Controller) Summary() metrics.Summary { return c.rounds.Summary() }

// Start subscribes to control and notification topics and launches the
// control listener, the notification listener and the round loop.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.mu.Lock()
	for pattern, ch := range map[string]chan bus.Message{
		protocol.TopicStart:       c.control,
		protocol.TopicStop:        c.control,
		protocol.AllNotifications: c.notes,
	} {
		sub, err := c.bus.Subscribe(ctx, pattern, c.enqueue(ch))
		if err != nil {
			c.unsubscribeLocked()
			c.mu.Unlock()
			c.cancel()
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		c.subs = append(c.subs, sub)
	}
	c.mu.Unlock()

	if c.cfg.Autostart {
		c.setRunning(true)
	}

	g, gctx := errgroup.WithContext(c.ctx)
	c.g = g
	g.Go(func() error { return c.controlLoop(gctx) })
	g.Go(func() error { return c.notificationLoop(gctx) })
	g.Go(func() error { return c.roundLoop(gctx) })

	c.logger.Info("controller started",
		"agents", len(c.cfg.Agents),
		"autostart", c.cfg.Autostart,
		"min_round_duration", c.cfg.MinRoundDuration,
		"max_rounds", c.cfg.MaxRounds,
	)
	return nil
}

// Stop ends the round loop and waits for all goroutines.
func (c *Controller) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	c.unsubscribeLocked()
	c.mu.Unlock()

	// Start failed before launching the loops.
	if c.g == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.g.Wait() }()

	select {
	case err := <-done:
		c.logger.Info("controller stopped", "rounds", c.rounds.Count())
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) unsubscribeLocked() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	c.subs = nil
}

func (c *Controller) enqueue(ch chan bus.Message) bus.Handler {
	return func(ctx context.Context, msg bus.Message) {
		select {
		case ch <- msg:
		case <-c.ctx.Done():
		}
	}
}

func (c *Controller) setRunning(on bool) {
	if on && c.limited.Load() {
		c.logger.Warn("start ignored", "error", ErrRoundLimit, "max_rounds", c.cfg.MaxRounds)
		return
	}
	if c.running.Swap(on) == on {
		return
	}
	if on {
		c.logger.Info("market started")
		select {
		case c.wake <- struct{}{}:
		default:
		}
	} else {
		c.logger.Info("market stopping after the current round")
	}
}

func (c *Controller) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.control:
			switch msg.Topic {
			case protocol.TopicStart:
				c.setRunning(true)
			case protocol.TopicStop:
				c.setRunning(false)
			}
		}
	}
}

func (c *Controller) notificationLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.notes:
			phase, id, err := protocol.ParseNotification(msg.Topic)
			if err != nil {
				c.logger.Debug("ignoring notification", "topic", msg.Topic, "error", err)
				continue
			}
			c.group.Notify(phase, id, barrier.NotificationSignal(id, msg.Payload))
		}
	}
}

func (c *Controller) roundLoop(ctx context.Context) error {
	for {
		if !c.running.Load() {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
				continue
			}
		}

		started := time.Now()
		stats := c.runRound(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if c.cfg.MaxRounds > 0 && c.rounds.Count() >= c.cfg.MaxRounds {
			c.limited.Store(true)
			c.running.Store(false)
			c.logger.Info("round limit reached", "rounds", c.rounds.Count(), "summary", c.rounds.Summary())
			if c.onDone != nil {
				c.onDone()
			}
			continue
		}

		pause := c.cfg.MinRoundDuration - time.Since(started)
		if stats.Error != "" && pause < c.cfg.ErrorBackoff {
			pause = c.cfg.ErrorBackoff
		}
		if pause <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
	}
}

// runRound broadcasts every phase of one round and records its timing.
func (c *Controller) runRound(ctx context.Context) metrics.RoundStats {
	round := c.round.Add(1)
	logger := c.logger.With("round", round)
	logger.Info("round started")

	stats := metrics.RoundStats{Round: round, StartedAt: time.Now().UTC()}
	start := time.Now()

	for _, s := range roundSteps {
		phaseStart := time.Now()
		missing, err := c.runPhase(ctx, round, s)
		ps := metrics.PhaseStats{
			Phase:    string(s.phase),
			Duration: time.Since(phaseStart),
			Absent:   missing,
		}
		stats.Phases = append(stats.Phases, ps)
		if s.phase == protocol.PhaseNegotiation {
			stats.NegotiationDuration = ps.Duration
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("round failed", "phase", s.phase, "error", err)
			}
			stats.Error = err.Error()
			break
		}
	}

	stats.Duration = time.Since(start)
	if c.cfg.MinRoundDuration > 0 && stats.Duration > c.cfg.MinRoundDuration {
		stats.Overran = true
		logger.Warn("round overran its minimum duration",
			"duration", stats.Duration.Round(time.Millisecond),
			"min_round_duration", c.cfg.MinRoundDuration,
		)
	}
	if ctx.Err() != nil {
		return stats
	}

	c.rounds.Add(stats)
	if err := c.recorder.RecordRound(ctx, stats); err != nil {
		logger.Warn("recording round failed", "error", err)
	}
	logger.Info("round finished",
		"duration", stats.Duration.Round(time.Millisecond),
		"negotiation", stats.NegotiationDuration.Round(time.Millisecond),
	)
	return stats
}

func (c *Controller) runPhase(ctx context.Context, round uint64, s step) ([]string, error) {
	ids := c.cfg.Agents
	opts := c.cfg.Barrier
	if s.phase == protocol.PhaseNegotiation {
		ids = []string{c.cfg.CoordinatorID}
		if c.cfg.NegotiationTimeout > 0 {
			opts.Timeout = c.cfg.NegotiationTimeout
		}
	}

	b := barrier.NewStatic(string(s.phase), ids, opts)
	c.group.Install(s.phase, b)
	defer c.group.Remove(s.phase)

	sig := protocol.Signal{Round: round}
	payload := sig.Encode()
	broadcast := func(ctx context.Context) error {
		return c.bus.Publish(ctx, s.signal, payload)
	}
	return barrier.Run(ctx, b, sig, c.cfg.Policy, broadcast, c.logger)
}
