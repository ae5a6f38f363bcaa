package model

import (
	"errors"
	"fmt"
)

// ErrInvalid is returned by Validate for malformed records.
var ErrInvalid = errors.New("invalid record")

// -----------------------------------------------------------------------------
// Bids
// -----------------------------------------------------------------------------

// Fragment is one price/quantity step of a bid curve.
type Fragment struct {
	Price    float64 // EUR/kWh
	Quantity float64 // kWh
}

// Bid is an agent's declared willingness to buy or sell energy for a round.
type Bid struct {
	AgentID    string
	Fragments  []Fragment // Ordered as produced by the optimizer
	Buying     bool
	Selling    bool
	FlexEnergy float64 // Energy the building can shift (kWh)
	Used       bool
}

// NewBid builds a bid from parallel price and quantity slices.
func NewBid(agentID string, prices, quantities []float64, buying bool) (Bid, error) {
	if len(prices) != len(quantities) {
		return Bid{}, fmt.Errorf("%w: %d prices but %d quantities", ErrInvalid, len(prices), len(quantities))
	}
	b := Bid{
		AgentID:   agentID,
		Fragments: make([]Fragment, len(prices)),
		Buying:    buying,
		Selling:   !buying,
	}
	for i := range prices {
		b.Fragments[i] = Fragment{Price: prices[i], Quantity: quantities[i]}
	}
	return b, nil
}

// Prices returns the fragment prices in order.
func (b Bid) Prices() []float64 {
	out := make([]float64, len(b.Fragments))
	for i, f := range b.Fragments {
		out[i] = f.Price
	}
	return out
}

// Quantities returns the fragment quantities in order.
func (b Bid) Quantities() []float64 {
	out := make([]float64, len(b.Fragments))
	for i, f := range b.Fragments {
		out[i] = f.Quantity
	}
	return out
}

// TotalQuantity is the sum of all fragment quantities.
func (b Bid) TotalQuantity() float64 {
	var total float64
	for _, f := range b.Fragments {
		total += f.Quantity
	}
	return total
}

// MeanPrice is the quantity-weighted mean price, 0 for an empty bid.
func (b Bid) MeanPrice() float64 {
	total := b.TotalQuantity()
	if total == 0 {
		return 0
	}
	var weighted float64
	for _, f := range b.Fragments {
		weighted += f.Price * f.Quantity
	}
	return weighted / total
}

// IsEmpty reports whether the bid has nothing left to trade.
func (b Bid) IsEmpty() bool {
	return b.TotalQuantity() <= 0
}

// Validate checks the structural invariants of a bid.
func (b Bid) Validate() error {
	if b.AgentID == "" {
		return fmt.Errorf("%w: bid without agent id", ErrInvalid)
	}
	if b.Buying && b.Selling {
		return fmt.Errorf("%w: bid of agent %s is both buying and selling", ErrInvalid, b.AgentID)
	}
	for i, f := range b.Fragments {
		if f.Quantity < 0 {
			return fmt.Errorf("%w: bid of agent %s has negative quantity at fragment %d", ErrInvalid, b.AgentID, i)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Offers
// -----------------------------------------------------------------------------

// OfferKind separates coordinator offers from agent counteroffers.
type OfferKind string

const (
	KindOffer        OfferKind = "offer"
	KindCounteroffer OfferKind = "counteroffer"
)

// Offer is a directed proposal from one party to another during negotiation.
type Offer struct {
	Kind             OfferKind
	OfferingAgentID  string
	ReceivingAgentID string
	Prices           []float64
	Quantities       []float64
	Buying           bool // Offering party buys
	Selling          bool // Offering party sells
	Used             bool
}

// TotalQuantity is the sum of all offered quantities.
func (o Offer) TotalQuantity() float64 {
	var total float64
	for _, q := range o.Quantities {
		total += q
	}
	return total
}

// Validate checks the structural invariants of an offer.
func (o Offer) Validate() error {
	if o.OfferingAgentID == "" || o.ReceivingAgentID == "" {
		return fmt.Errorf("%w: offer without offering or receiving agent", ErrInvalid)
	}
	if o.Kind != KindOffer && o.Kind != KindCounteroffer {
		return fmt.Errorf("%w: unknown offer kind %q", ErrInvalid, o.Kind)
	}
	if len(o.Prices) != len(o.Quantities) {
		return fmt.Errorf("%w: offer %s->%s has %d prices but %d quantities",
			ErrInvalid, o.OfferingAgentID, o.ReceivingAgentID, len(o.Prices), len(o.Quantities))
	}
	if o.Buying && o.Selling {
		return fmt.Errorf("%w: offer %s->%s is both buying and selling", ErrInvalid, o.OfferingAgentID, o.ReceivingAgentID)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Trades
// -----------------------------------------------------------------------------

// Trade is a finalized match between a buyer and a seller.
type Trade struct {
	Buyer      string
	Seller     string
	Prices     []float64
	Quantities []float64
	Used       bool
}

// Involves reports whether the agent is a party of the trade.
func (t Trade) Involves(agentID string) bool {
	return t.Buyer == agentID || t.Seller == agentID
}

// TotalQuantity is the traded energy.
func (t Trade) TotalQuantity() float64 {
	var total float64
	for _, q := range t.Quantities {
		total += q
	}
	return total
}

// Validate checks the structural invariants of a trade.
func (t Trade) Validate() error {
	if t.Buyer == "" || t.Seller == "" {
		return fmt.Errorf("%w: trade without buyer or seller", ErrInvalid)
	}
	if t.Buyer == t.Seller {
		return fmt.Errorf("%w: agent %s trades with itself", ErrInvalid, t.Buyer)
	}
	if len(t.Prices) != len(t.Quantities) {
		return fmt.Errorf("%w: trade %s/%s has %d prices but %d quantities",
			ErrInvalid, t.Buyer, t.Seller, len(t.Prices), len(t.Quantities))
	}
	return nil
}
