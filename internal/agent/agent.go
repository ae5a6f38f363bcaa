package agent

import (
	"errors"
	"sync"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
)

// ErrNoBid is returned when a bid is needed before the building optimized.
var ErrNoBid = errors.New("no bid for this round")

// Phases executed at most once per round.
var oneShot = map[protocol.Phase]bool{
	protocol.PhaseForecast: true,
	protocol.PhaseOptimize: true,
	protocol.PhaseBid:      true,
	protocol.PhaseGrid:     true,
	protocol.PhasePrepare:  true,
}

// Agent is the domain state of one building's market participation.
type Agent struct {
	ID       string
	Building Building
	Strategy Strategy
	Grid     GridPrices

	ledger Ledger

	mu      sync.Mutex
	round   uint64
	done    map[phaseKey]bool
	bid     *model.Bid
	pending *model.Offer
	seen    map[string]bool // Trade record ids applied this round
	trades  []model.Trade
}

type phaseKey struct {
	phase protocol.Phase
	step  int
}

// New creates an agent.
func New(id string, building Building, strategy Strategy, grid GridPrices) *Agent {
	if strategy == nil {
		strategy = AcceptingStrategy{}
	}
	return &Agent{
		ID:       id,
		Building: building,
		Strategy: strategy,
		Grid:     grid,
		done:     make(map[phaseKey]bool),
		seen:     make(map[string]bool),
	}
}

// Round returns the round the agent is currently in.
func (a *Agent) Round() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.round
}

// shouldRun reports whether the action for phase must run for sig. Signals
// carrying a new round number start a new round. Without round numbers a
// forecast after a completed prepare does the same.
func (a *Agent) shouldRun(phase protocol.Phase, sig protocol.Signal) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case sig.Round != 0 && sig.Round != a.round:
		a.startRound(sig.Round)
	case sig.Round == 0 && phase == protocol.PhaseForecast && a.done[phaseKey{phase: protocol.PhasePrepare}]:
		a.startRound(a.round + 1)
	}

	if sig.Round == 0 && !oneShot[phase] {
		return true
	}
	return !a.done[phaseKey{phase, sig.Step}]
}

// markDone records a successful action so repeated signals skip it.
func (a *Agent) markDone(phase protocol.Phase, sig protocol.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done[phaseKey{phase, sig.Step}] = true
}

func (a *Agent) startRound(round uint64) {
	a.round = round
	a.done = make(map[phaseKey]bool)
	a.seen = make(map[string]bool)
	a.pending = nil
}

// SetBid stores the bid produced by the building.
func (a *Agent) SetBid(b model.Bid) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b.AgentID = a.ID
	a.bid = &b
}

// Bid returns the current bid.
func (a *Agent) Bid() (model.Bid, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bid == nil {
		return model.Bid{}, ErrNoBid
	}
	return *a.bid, nil
}

// SetPendingOffer remembers the offer to answer.
func (a *Agent) SetPendingOffer(o *model.Offer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = o
}

// TakePendingOffer returns and clears the offer to answer.
func (a *Agent) TakePendingOffer() *model.Offer {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := a.pending
	a.pending = nil
	return o
}

// ApplyTrade folds a trade into the bid, history and ledger unless the
// record was already applied this round. It reports whether the trade was
// new.
func (a *Agent) ApplyTrade(recordID string, t model.Trade) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen[recordID] {
		return false
	}
	a.seen[recordID] = true
	a.trades = append(a.trades, t)
	if a.bid != nil {
		adjusted := a.Strategy.AdjustBid(*a.bid, t)
		a.bid = &adjusted
	}
	a.ledger.RecordTrade(a.round, a.ID, t)
	return true
}

// SettleWithGrid settles the remaining bid with the grid and empties it.
func (a *Agent) SettleWithGrid() (GridSettlement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bid == nil {
		return GridSettlement{}, ErrNoBid
	}
	s := a.Strategy.TradeWithGrid(*a.bid, a.Grid)
	if !s.Quantity.IsZero() {
		a.ledger.RecordGrid(a.round, s)
	}
	a.bid.Fragments = nil
	return s, nil
}

// EndRound drops per-round negotiation state after prepare.
func (a *Agent) EndRound() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	a.bid = nil
	a.seen = make(map[string]bool)
}

// Trades returns the trade history.
func (a *Agent) Trades() []model.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Trade(nil), a.trades...)
}

// Ledger returns the agent's settlement ledger.
func (a *Agent) Ledger() *Ledger {
	return &a.ledger
}
