package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RWTH-EBC/PHOENAIX/internal/bus"
	"github.com/RWTH-EBC/PHOENAIX/internal/lifecycle"
	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
)

// Participant connects an Agent to the bus and the entity store.
type Participant struct {
	agent   *Agent
	bus     bus.Bus
	records *lifecycle.Records
	logger  *slog.Logger

	// Serializes phase actions; signals arrive on independent subscriptions.
	phaseMu sync.Mutex

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewParticipant creates a participant for a.
func NewParticipant(a *Agent, b bus.Bus, records *lifecycle.Records, logger *slog.Logger) *Participant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Participant{
		agent:   a,
		bus:     b,
		records: records,
		logger:  logger.With("component", "agent", "agent_id", a.ID),
	}
}

// Agent returns the domain state.
func (p *Participant) Agent() *Agent { return p.agent }

// Start subscribes to every agent signal.
func (p *Participant) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, topic := range protocol.AgentSignals() {
		sub, err := p.bus.Subscribe(ctx, topic, p.handleSignal)
		if err != nil {
			p.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		p.subs = append(p.subs, sub)
	}

	p.logger.Info("market agent started")
	return nil
}

// Stop removes the subscriptions.
func (p *Participant) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribeLocked()
	p.logger.Info("market agent stopped")
	return nil
}

func (p *Participant) unsubscribeLocked() {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	p.subs = nil
}

// handleSignal runs the action of a phase and always notifies completion.
func (p *Participant) handleSignal(ctx context.Context, msg bus.Message) {
	phase, ok := protocol.PhaseOf(msg.Topic)
	if !ok {
		return
	}
	sig := protocol.DecodeSignal(msg.Payload)

	defer p.notify(ctx, phase, sig)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("phase action panicked", "phase", phase, "panic", r)
		}
	}()

	p.phaseMu.Lock()
	defer p.phaseMu.Unlock()

	if !p.agent.shouldRun(phase, sig) {
		p.logger.Debug("duplicate signal, re-notifying", "phase", phase, "round", sig.Round, "step", sig.Step)
		return
	}

	if err := p.run(ctx, phase); err != nil {
		p.logger.Error("phase action failed", "phase", phase, "round", sig.Round, "error", err)
		return
	}
	p.agent.markDone(phase, sig)
}

func (p *Participant) run(ctx context.Context, phase protocol.Phase) error {
	switch phase {
	case protocol.PhaseForecast:
		return p.CalculateForecast(ctx)
	case protocol.PhaseOptimize:
		return p.Optimize(ctx)
	case protocol.PhaseBid:
		return p.SubmitBid(ctx)
	case protocol.PhaseCounteroffer:
		if err := p.ReceiveOffer(ctx); err != nil {
			return err
		}
		return p.PublishCounteroffer(ctx)
	case protocol.PhaseTrade:
		return p.ReceiveTrade(ctx)
	case protocol.PhaseGrid:
		return p.TradeWithGrid(ctx)
	case protocol.PhasePrepare:
		return p.Prepare(ctx)
	}
	return fmt.Errorf("unknown phase %q", phase)
}

func (p *Participant) notify(ctx context.Context, phase protocol.Phase, sig protocol.Signal) {
	topic := protocol.NotificationTopic(phase, p.agent.ID)
	if err := p.bus.Publish(ctx, topic, protocol.EncodeNotification(p.agent.ID, sig)); err != nil {
		p.logger.Error("notification failed", "topic", topic, "error", err)
	}
}

// CalculateForecast asks the building for fresh forecasts.
func (p *Participant) CalculateForecast(ctx context.Context) error {
	if p.agent.Building == nil {
		return nil
	}
	return p.agent.Building.CalculateForecast(ctx)
}

// Optimize asks the building for this round's bid.
func (p *Participant) Optimize(ctx context.Context) error {
	if p.agent.Building == nil {
		return fmt.Errorf("agent %s has no building", p.agent.ID)
	}
	b, err := p.agent.Building.Optimize(ctx)
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	p.agent.SetBid(b)
	p.logger.Debug("bid optimized", "quantity", b.TotalQuantity(), "buying", b.Buying)
	return nil
}

// SubmitBid writes the current bid to the agent's bid record.
func (p *Participant) SubmitBid(ctx context.Context) error {
	b, err := p.agent.Bid()
	if err != nil {
		return err
	}
	if err := p.records.WriteBid(ctx, b); err != nil {
		return fmt.Errorf("submit bid: %w", err)
	}
	p.logger.Info("bid submitted", "quantity", b.TotalQuantity(), "mean_price", b.MeanPrice(), "buying", b.Buying)
	return nil
}

// ReceiveOffer looks for the single unused offer addressed to this agent.
func (p *Participant) ReceiveOffer(ctx context.Context) error {
	o, err := p.records.FindOffer(ctx, p.agent.ID)
	if err != nil {
		return fmt.Errorf("receive offer: %w", err)
	}
	p.agent.SetPendingOffer(o)
	if o != nil {
		p.logger.Debug("offer received", "from", o.OfferingAgentID, "quantity", o.TotalQuantity())
	}
	return nil
}

// PublishCounteroffer answers the pending offer, if any.
func (p *Participant) PublishCounteroffer(ctx context.Context) error {
	o := p.agent.TakePendingOffer()
	if o == nil {
		return nil
	}
	b, err := p.agent.Bid()
	if err != nil {
		return err
	}
	counter, err := p.agent.Strategy.MakeCounteroffer(*o, b)
	if err != nil {
		return fmt.Errorf("make counteroffer: %w", err)
	}
	counter.OfferingAgentID = p.agent.ID
	counter.ReceivingAgentID = o.OfferingAgentID
	if err := p.records.WriteCounteroffer(ctx, counter); err != nil {
		return fmt.Errorf("publish counteroffer: %w", err)
	}
	p.logger.Info("counteroffer published", "to", counter.ReceivingAgentID, "quantity", counter.TotalQuantity())
	return nil
}

// ReceiveTrade applies every unused trade naming this agent.
func (p *Participant) ReceiveTrade(ctx context.Context) error {
	pending, err := p.records.PendingTrades(ctx, p.agent.ID)
	if err != nil {
		return fmt.Errorf("receive trade: %w", err)
	}
	for _, rec := range pending {
		if p.agent.ApplyTrade(rec.ID, rec.Trade) {
			p.logger.Info("trade received",
				"buyer", rec.Trade.Buyer,
				"seller", rec.Trade.Seller,
				"quantity", rec.Trade.TotalQuantity(),
			)
		}
	}
	return nil
}

// TradeWithGrid settles the unmatched rest of the bid with the grid.
func (p *Participant) TradeWithGrid(ctx context.Context) error {
	s, err := p.agent.SettleWithGrid()
	if err != nil {
		return err
	}
	if !s.Quantity.IsZero() {
		p.logger.Info("grid settlement",
			"quantity", s.Quantity.String(),
			"amount", s.Amount().StringFixed(4),
			"buying", s.Buying,
		)
	}
	return nil
}

// Prepare advances the building and ends the round.
func (p *Participant) Prepare(ctx context.Context) error {
	defer p.agent.EndRound()
	if p.agent.Building == nil {
		return nil
	}
	return p.agent.Building.Prepare(ctx)
}
