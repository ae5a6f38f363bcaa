package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/RWTH-EBC/PHOENAIX/internal/barrier"
	"github.com/RWTH-EBC/PHOENAIX/internal/bus"
	"github.com/RWTH-EBC/PHOENAIX/internal/lifecycle"
	"github.com/RWTH-EBC/PHOENAIX/internal/model"
	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
	"github.com/RWTH-EBC/PHOENAIX/internal/writer"
)

// Matcher computes offers and trades from bids. An empty offer set ends
// the offer rounds of a negotiation.
type Matcher interface {
	ComputeOffersAndTrades(bids []model.Bid) ([]model.Offer, []model.Trade, error)
	ProcessCounteroffers(counteroffers []model.Offer) ([]model.Offer, []model.Trade, error)
}

// Config configures a Coordinator.
type Config struct {
	ID             string
	Agents         []string
	MaxOfferRounds int           // default 10
	Cleanup        string        // lifecycle.CleanupDelete (default) or lifecycle.CleanupFlag
	CleanupTimeout time.Duration // default 10s
	Barrier        barrier.Options
	Policy         barrier.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxOfferRounds <= 0 {
		c.MaxOfferRounds = 10
	}
	if c.Cleanup == "" {
		c.Cleanup = lifecycle.CleanupDelete
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
	return c
}

// Status is a snapshot of the coordinator for health output.
type Status struct {
	State              State  `json:"state"`
	Round              uint64 `json:"round"`
	LastCompletedRound uint64 `json:"last_completed_round"`
	Negotiations       int64  `json:"negotiations"`
	Failures           int64  `json:"failures"`
}

// Coordinator matches bids into trades once per round.
type Coordinator struct {
	cfg      Config
	bus      bus.Bus
	records  *lifecycle.Records
	matcher  Matcher
	recorder writer.Recorder
	logger   *slog.Logger

	known map[string]bool
	group *barrier.Group

	state        atomic.Int32
	busy         atomic.Bool
	negotiations atomic.Int64
	failures     atomic.Int64

	// Round state, owned by the negotiation in progress.
	mu            sync.Mutex
	round         uint64
	step          int
	lastCompleted uint64
	bids          []model.Bid
	offers        []model.Offer
	trades        []model.Trade

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subsMu sync.Mutex
	subs   []bus.Subscription
}

// New creates a coordinator. A nil recorder discards results.
func New(cfg Config, b bus.Bus, records *lifecycle.Records, matcher Matcher, recorder writer.Recorder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = writer.Nop{}
	}
	cfg = cfg.withDefaults()
	logger = logger.With("component", "coordinator", "coordinator_id", cfg.ID)
	cfg.Barrier.Logger = logger

	known := make(map[string]bool, len(cfg.Agents))
	for _, id := range cfg.Agents {
		known[id] = true
	}

	return &Coordinator{
		cfg:      cfg,
		bus:      b,
		records:  records,
		matcher:  matcher,
		recorder: recorder,
		logger:   logger,
		known:    known,
		group:    barrier.NewGroup(),
	}
}

// ID returns the coordinator id.
func (c *Coordinator) ID() string { return c.cfg.ID }

// State returns the current state machine position.
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("state changed", "from", prev, "to", s)
	}
}

// Status returns a snapshot for health output.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	round, last := c.round, c.lastCompleted
	c.mu.Unlock()
	return Status{
		State:              c.State(),
		Round:              round,
		LastCompletedRound: last,
		Negotiations:       c.negotiations.Load(),
		Failures:           c.failures.Load(),
	}
}

// Start subscribes to the negotiation trigger and the agents'
// notifications.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribe := func(pattern string, h bus.Handler) error {
		sub, err := c.bus.Subscribe(ctx, pattern, h)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		c.subs = append(c.subs, sub)
		return nil
	}

	for _, phase := range []protocol.Phase{protocol.PhaseBid, protocol.PhaseCounteroffer, protocol.PhaseTrade} {
		if err := subscribe(protocol.NotificationPattern(phase), c.group.Handler()); err != nil {
			c.unsubscribeLocked()
			return err
		}
	}
	if err := subscribe(protocol.TopicNegotiation, c.handleNegotiation); err != nil {
		c.unsubscribeLocked()
		return err
	}

	c.logger.Info("coordinator started", "agents", len(c.cfg.Agents), "cleanup", c.cfg.Cleanup)
	return nil
}

// Stop unsubscribes and waits for a running negotiation to finish.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.subsMu.Lock()
	c.unsubscribeLocked()
	c.subsMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) unsubscribeLocked() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	c.subs = nil
}

// handleNegotiation starts a negotiation unless one is running. A repeated
// trigger for the round that just finished only repeats the notification.
func (c *Coordinator) handleNegotiation(_ context.Context, msg bus.Message) {
	sig := protocol.DecodeSignal(msg.Payload)

	c.mu.Lock()
	round := sig.Round
	if round == 0 {
		round = c.lastCompleted + 1
	}
	repeated := sig.Round != 0 && sig.Round == c.lastCompleted
	c.mu.Unlock()

	if repeated {
		c.logger.Debug("negotiation already completed, re-notifying", "round", sig.Round)
		c.notify(c.ctx, sig)
		return
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Warn("negotiation trigger ignored, negotiation in progress", "round", round)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		defer c.notify(c.ctx, sig)

		if _, err := c.RunNegotiation(c.ctx, round); err != nil {
			c.logger.Error("negotiation failed", "round", round, "error", err)
		}
	}()
}

func (c *Coordinator) notify(ctx context.Context, sig protocol.Signal) {
	topic := protocol.NotificationTopic(protocol.PhaseNegotiation, c.cfg.ID)
	payload := protocol.EncodeNotification(c.cfg.ID, sig)
	// Notify even after Stop so the controller's barrier is not left hanging.
	if err := c.bus.Publish(context.WithoutCancel(ctx), topic, payload); err != nil {
		c.logger.Error("notification failed", "topic", topic, "error", err)
	}
}

// Result is the outcome of one negotiation.
type Result struct {
	Round       uint64
	Bids        []model.Bid
	Trades      []model.Trade
	OfferRounds int
}

// RunNegotiation runs one full negotiation for round. Clearing runs even
// when a step fails; the first error is returned.
func (c *Coordinator) RunNegotiation(ctx context.Context, round uint64) (Result, error) {
	start := time.Now()
	c.mu.Lock()
	c.round = round
	c.step = 0
	c.mu.Unlock()

	logger := c.logger.With("round", round)
	logger.Info("negotiation started")

	res, err := c.negotiate(ctx, round)

	c.setState(StateClearing)
	if cerr := c.ClearForNextRound(ctx); cerr != nil {
		logger.Error("clearing failed", "error", cerr)
		err = errors.Join(err, cerr)
	}
	c.setState(StateIdle)

	c.negotiations.Add(1)
	if err != nil {
		c.failures.Add(1)
	}
	c.mu.Lock()
	c.lastCompleted = round
	c.mu.Unlock()

	rec := writer.NegotiationRecord{
		RunID:         uuid.NewString(),
		Round:         round,
		CoordinatorID: c.cfg.ID,
		StartedAt:     start.UTC(),
		Duration:      time.Since(start),
		OfferRounds:   res.OfferRounds,
		Bids:          res.Bids,
		Trades:        res.Trades,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := c.recorder.RecordNegotiation(context.WithoutCancel(ctx), rec); rerr != nil {
		logger.Warn("recording negotiation failed", "error", rerr)
	}

	logger.Info("negotiation finished",
		"bids", len(res.Bids),
		"trades", len(res.Trades),
		"offer_rounds", res.OfferRounds,
		"duration", rec.Duration.Round(time.Millisecond),
		"failed", err != nil,
	)
	return res, err
}

func (c *Coordinator) negotiate(ctx context.Context, round uint64) (Result, error) {
	res := Result{Round: round}

	c.setState(StateCollectingBids)
	bids, err := c.CollectBids(ctx)
	if err != nil {
		return res, fmt.Errorf("collect bids: %w", err)
	}
	res.Bids = bids

	c.setState(StateMatching)
	offers, trades, err := c.matcher.ComputeOffersAndTrades(bids)
	if err != nil {
		return res, fmt.Errorf("compute offers: %w", err)
	}
	settled := trades

	for len(offers) > 0 {
		if res.OfferRounds >= c.cfg.MaxOfferRounds {
			c.logger.Warn("offer round limit reached, dropping remaining offers",
				"limit", c.cfg.MaxOfferRounds, "offers", len(offers))
			break
		}
		res.OfferRounds++

		c.setState(StateOfferRound)
		counters, err := c.PublishOffersAndReceiveCounteroffers(ctx, offers)
		if err != nil {
			return res, fmt.Errorf("offer round %d: %w", res.OfferRounds, err)
		}

		c.setState(StateMatching)
		offers, trades, err = c.matcher.ProcessCounteroffers(counters)
		if err != nil {
			return res, fmt.Errorf("process counteroffers: %w", err)
		}
		settled = append(settled, trades...)
	}

	c.setState(StateSettlingTrades)
	published, err := c.PublishTrades(ctx, settled)
	res.Trades = published
	if err != nil {
		return res, fmt.Errorf("publish trades: %w", err)
	}
	return res, nil
}

// CollectBids asks every agent for its bid, waits for their notifications
// and consumes every unused bid. A bid is returned at most once per round.
func (c *Coordinator) CollectBids(ctx context.Context) ([]model.Bid, error) {
	b := barrier.NewStatic(string(protocol.PhaseBid), c.cfg.Agents, c.cfg.Barrier)
	if _, err := c.runPhase(ctx, protocol.PhaseBid, b, protocol.TopicSubmitBid); err != nil {
		return nil, err
	}

	bids, err := c.records.ConsumeBids(ctx)
	if err != nil {
		return nil, err
	}

	out := bids[:0]
	for _, bid := range bids {
		if !c.known[bid.AgentID] {
			c.logger.Warn("bid from unknown agent dropped", "agent_id", bid.AgentID)
			continue
		}
		out = append(out, bid)
	}

	c.mu.Lock()
	c.bids = append(c.bids, out...)
	c.mu.Unlock()

	c.logger.Info("bids collected", "count", len(out))
	return out, nil
}

// PublishOffersAndReceiveCounteroffers writes one offer per receiver,
// waits for every receiver to answer and consumes the counteroffers
// addressed to this coordinator.
func (c *Coordinator) PublishOffersAndReceiveCounteroffers(ctx context.Context, offers []model.Offer) ([]model.Offer, error) {
	seen := make(map[string]bool, len(offers))
	for i := range offers {
		o := &offers[i]
		if seen[o.ReceivingAgentID] {
			return nil, fmt.Errorf("%w: several offers for agent %s", lifecycle.ErrProtocolViolation, o.ReceivingAgentID)
		}
		if !c.known[o.ReceivingAgentID] {
			return nil, fmt.Errorf("%w: offer for unknown agent %s", lifecycle.ErrProtocolViolation, o.ReceivingAgentID)
		}
		seen[o.ReceivingAgentID] = true
		o.Kind = model.KindOffer
		o.OfferingAgentID = c.cfg.ID
	}

	for _, o := range offers {
		if err := c.records.WriteOffer(ctx, o); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.step++
	c.offers = append(c.offers, offers...)
	c.mu.Unlock()

	b := barrier.NewForOffers(string(protocol.PhaseCounteroffer), offers, c.cfg.Barrier)
	if _, err := c.runPhase(ctx, protocol.PhaseCounteroffer, b, protocol.TopicCounteroffer); err != nil {
		return nil, err
	}

	// Offers first, so nothing answered late is mistaken for a new offer.
	if err := c.records.MarkOffersUsed(ctx, offers); err != nil {
		return nil, err
	}
	counters, err := c.records.ConsumeCounteroffers(ctx, c.cfg.ID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("offer round finished", "offers", len(offers), "counteroffers", len(counters))
	return counters, nil
}

// PublishTrades writes the trades, waits for every agent to read them and
// marks them used. Trades between the same pair are merged into one record.
func (c *Coordinator) PublishTrades(ctx context.Context, trades []model.Trade) ([]model.Trade, error) {
	for _, t := range trades {
		if !c.known[t.Buyer] || !c.known[t.Seller] {
			return nil, fmt.Errorf("%w: trade between %s and %s names an unknown agent",
				lifecycle.ErrProtocolViolation, t.Buyer, t.Seller)
		}
	}

	merged := MergeTrades(trades)
	for _, t := range merged {
		if err := c.records.WriteTrade(ctx, t); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.trades = append(c.trades, merged...)
	c.mu.Unlock()

	b := barrier.NewStatic(string(protocol.PhaseTrade), c.cfg.Agents, c.cfg.Barrier)
	if _, err := c.runPhase(ctx, protocol.PhaseTrade, b, protocol.TopicReceiveTrade); err != nil {
		return merged, err
	}

	if err := c.records.MarkTradesUsed(ctx, merged); err != nil {
		return merged, err
	}
	c.logger.Info("trades settled", "count", len(merged))
	return merged, nil
}

// ClearForNextRound resets the in-memory round state and removes the
// round's records with the configured cleanup strategy. It runs to
// completion even when ctx is already cancelled.
func (c *Coordinator) ClearForNextRound(ctx context.Context) error {
	c.mu.Lock()
	c.bids = nil
	c.offers = nil
	c.trades = nil
	c.step = 0
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
	defer cancel()

	if err := c.records.Clear(ctx, c.cfg.Cleanup); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

// runPhase installs b for phase, broadcasts signal and waits under the
// configured policy.
func (c *Coordinator) runPhase(ctx context.Context, phase protocol.Phase, b *barrier.Barrier, signal string) ([]string, error) {
	c.group.Install(phase, b)
	defer c.group.Remove(phase)

	c.mu.Lock()
	payload := protocol.Signal{Round: c.round}
	if phase == protocol.PhaseCounteroffer {
		payload.Step = c.step
	}
	c.mu.Unlock()

	broadcast := func(ctx context.Context) error {
		return c.bus.Publish(ctx, signal, payload.Encode())
	}
	missing, err := barrier.Run(ctx, b, payload, c.cfg.Policy, broadcast, c.logger)
	if len(missing) > 0 {
		c.logger.Warn("agents absent", "phase", phase, "missing", missing)
	}
	return missing, err
}

// MergeTrades folds trades between the same seller and buyer into one
// trade, since both share a record id. The result is sorted by record id.
func MergeTrades(trades []model.Trade) []model.Trade {
	byID := make(map[string]*model.Trade, len(trades))
	var ids []string
	for _, t := range trades {
		id := lifecycle.TradeID(t.Seller, t.Buyer)
		m, ok := byID[id]
		if !ok {
			m = &model.Trade{Buyer: t.Buyer, Seller: t.Seller}
			byID[id] = m
			ids = append(ids, id)
		}
		m.Prices = append(m.Prices, t.Prices...)
		m.Quantities = append(m.Quantities, t.Quantities...)
	}
	sort.Strings(ids)

	out := make([]model.Trade, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byID[id])
	}
	return out
}
