package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
	"github.com/RWTH-EBC/PHOENAIX/internal/store"
)

// ErrProtocolViolation marks records or record sets that break the round
// protocol: malformed entities, several unconsumed offers for one agent,
// duplicate receivers in one batch, trades naming unknown agents.
var ErrProtocolViolation = errors.New("protocol violation")

// Options configure Records.
type Options struct {
	// Schemas validates every entity before it is written and after it is
	// read. Nil disables schema validation.
	Schemas *Schemas
	Logger  *slog.Logger
}

// Records reads and writes market records on a store.
type Records struct {
	store   store.Store
	schemas *Schemas
	logger  *slog.Logger
}

// NewRecords wraps a store.
func NewRecords(s store.Store, opts Options) *Records {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Records{
		store:   s,
		schemas: opts.Schemas,
		logger:  logger,
	}
}

// Store returns the underlying store.
func (r *Records) Store() store.Store { return r.store }

// -----------------------------------------------------------------------------
// Bids
// -----------------------------------------------------------------------------

// WriteBid publishes an agent's bid for this round with used=false.
func (r *Records) WriteBid(ctx context.Context, b model.Bid) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	b.Used = false
	e, err := EncodeBid(b)
	if err != nil {
		return err
	}
	return r.write(ctx, e)
}

// ConsumeBids returns every unused bid and marks each one used. A bid is
// returned by exactly one call; later calls in the same round see nothing.
// Malformed bids are marked used and skipped.
func (r *Records) ConsumeBids(ctx context.Context) ([]model.Bid, error) {
	entities, err := r.unused(ctx, TypeBid)
	if err != nil {
		return nil, err
	}

	var bids []model.Bid
	for _, e := range entities {
		b, err := r.decodeBid(e)
		if err := r.markUsed(ctx, e.ID); err != nil {
			return nil, err
		}
		if err != nil {
			r.logger.Warn("skipping malformed bid", "id", e.ID, "error", err)
			continue
		}
		b.Used = true
		bids = append(bids, b)
	}
	return bids, nil
}

func (r *Records) decodeBid(e store.Entity) (model.Bid, error) {
	if err := r.validate(e); err != nil {
		return model.Bid{}, err
	}
	return DecodeBid(e)
}

// -----------------------------------------------------------------------------
// Offers
// -----------------------------------------------------------------------------

// WriteOffer publishes a coordinator offer with used=false.
func (r *Records) WriteOffer(ctx context.Context, o model.Offer) error {
	o.Kind = model.KindOffer
	return r.writeOffer(ctx, o)
}

// WriteCounteroffer publishes an agent's counteroffer with used=false.
func (r *Records) WriteCounteroffer(ctx context.Context, o model.Offer) error {
	o.Kind = model.KindCounteroffer
	return r.writeOffer(ctx, o)
}

func (r *Records) writeOffer(ctx context.Context, o model.Offer) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	o.Used = false
	e, err := EncodeOffer(o)
	if err != nil {
		return err
	}
	return r.write(ctx, e)
}

// FindOffer returns the single unused coordinator offer addressed to
// agentID, or nil when there is none. More than one is a protocol
// violation. The offer is not consumed.
func (r *Records) FindOffer(ctx context.Context, agentID string) (*model.Offer, error) {
	entities, err := r.unused(ctx, TypeOffer)
	if err != nil {
		return nil, err
	}

	var found []model.Offer
	for _, e := range entities {
		o, err := r.decodeOffer(e)
		if err != nil {
			r.logger.Warn("ignoring malformed offer", "id", e.ID, "error", err)
			continue
		}
		if o.Kind == model.KindOffer && o.ReceivingAgentID == agentID {
			found = append(found, o)
		}
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("%w: %d unconsumed offers for agent %s", ErrProtocolViolation, len(found), agentID)
	}
}

// ConsumeCounteroffers returns every unused counteroffer addressed to
// receiverID and marks each one used. Counteroffers for other agents are
// left untouched.
func (r *Records) ConsumeCounteroffers(ctx context.Context, receiverID string) ([]model.Offer, error) {
	entities, err := r.unused(ctx, TypeOffer)
	if err != nil {
		return nil, err
	}

	var out []model.Offer
	for _, e := range entities {
		o, err := r.decodeOffer(e)
		if err != nil {
			if err := r.markUsed(ctx, e.ID); err != nil {
				return nil, err
			}
			r.logger.Warn("skipping malformed counteroffer", "id", e.ID, "error", err)
			continue
		}
		if o.Kind != model.KindCounteroffer || o.ReceivingAgentID != receiverID {
			continue
		}
		if err := r.markUsed(ctx, e.ID); err != nil {
			return nil, err
		}
		o.Used = true
		out = append(out, o)
	}
	return out, nil
}

// MarkOffersUsed consumes the coordinator offers previously published.
func (r *Records) MarkOffersUsed(ctx context.Context, offers []model.Offer) error {
	for _, o := range offers {
		if err := r.markUsed(ctx, OfferID(o.ReceivingAgentID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Records) decodeOffer(e store.Entity) (model.Offer, error) {
	if err := r.validate(e); err != nil {
		return model.Offer{}, err
	}
	return DecodeOffer(e)
}

// -----------------------------------------------------------------------------
// Trades
// -----------------------------------------------------------------------------

// TradeRecord is a trade together with its entity id.
type TradeRecord struct {
	ID    string
	Trade model.Trade
}

// WriteTrade publishes a trade with used=false.
func (r *Records) WriteTrade(ctx context.Context, t model.Trade) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	t.Used = false
	e, err := EncodeTrade(t)
	if err != nil {
		return err
	}
	return r.write(ctx, e)
}

// PendingTrades returns the unused trades in which agentID is buyer or
// seller. Trades are not consumed here: both parties read them and the
// coordinator marks them used once both have confirmed.
func (r *Records) PendingTrades(ctx context.Context, agentID string) ([]TradeRecord, error) {
	entities, err := r.unused(ctx, TypeTrade)
	if err != nil {
		return nil, err
	}

	var out []TradeRecord
	for _, e := range entities {
		if err := r.validate(e); err != nil {
			r.logger.Warn("ignoring malformed trade", "id", e.ID, "error", err)
			continue
		}
		t, err := DecodeTrade(e)
		if err != nil {
			r.logger.Warn("ignoring malformed trade", "id", e.ID, "error", err)
			continue
		}
		if t.Involves(agentID) {
			out = append(out, TradeRecord{ID: e.ID, Trade: t})
		}
	}
	return out, nil
}

// MarkTradesUsed consumes previously published trades.
func (r *Records) MarkTradesUsed(ctx context.Context, trades []model.Trade) error {
	for _, t := range trades {
		if err := r.markUsed(ctx, TradeID(t.Seller, t.Buyer)); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Store access
// -----------------------------------------------------------------------------

// write stores e so that used=false is the last attribute written.
func (r *Records) write(ctx context.Context, e store.Entity) error {
	if err := r.validate(e); err != nil {
		return err
	}

	claimed := e.Clone()
	claimed.Attrs[attrUsed] = store.MustAttribute(true)

	err := r.store.CreateEntity(ctx, claimed)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyExists):
		if err := r.markUsed(ctx, e.ID); err != nil {
			return err
		}
		names := make([]string, 0, len(e.Attrs))
		for name := range e.Attrs {
			if name != attrUsed {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if err := r.store.UpdateAttribute(ctx, e.ID, name, e.Attrs[name]); err != nil {
				return fmt.Errorf("write %s: %w", e.ID, err)
			}
		}
	default:
		return fmt.Errorf("create %s: %w", e.ID, err)
	}

	if err := r.store.UpdateAttribute(ctx, e.ID, attrUsed, store.MustAttribute(false)); err != nil {
		return fmt.Errorf("release %s: %w", e.ID, err)
	}
	return nil
}

func (r *Records) markUsed(ctx context.Context, id string) error {
	if err := r.store.UpdateAttribute(ctx, id, attrUsed, store.MustAttribute(true)); err != nil {
		return fmt.Errorf("mark %s used: %w", id, err)
	}
	return nil
}

// unused lists the entities of a type whose used flag is false.
func (r *Records) unused(ctx context.Context, entityType string) ([]store.Entity, error) {
	entities, err := r.store.ListByType(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	out := entities[:0]
	for _, e := range entities {
		if isUnused(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Records) validate(e store.Entity) error {
	if r.schemas == nil {
		return nil
	}
	return r.schemas.Validate(e)
}
