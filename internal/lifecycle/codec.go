package lifecycle

import (
	"fmt"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
	"github.com/RWTH-EBC/PHOENAIX/internal/store"
)

// Attribute names.
const (
	attrUsed          = "used"
	attrKind          = "kind"
	attrPrices        = "prices"
	attrQuantities    = "quantities"
	attrMeanPrice     = "meanPrice"
	attrTotalQuantity = "totalQuantity"
	attrBuying        = "buying"
	attrSelling       = "selling"
	attrFlexEnergy    = "flexEnergy"
	attrOffering      = "offeringAgentID"
	attrReceiving     = "receivingAgentID"
	attrBuyer         = "buyer"
	attrSeller        = "seller"
)

// EncodeBid converts a bid into its store entity.
func EncodeBid(b model.Bid) (store.Entity, error) {
	e := store.NewEntity(BidID(b.AgentID), TypeBid)
	err := setAll(&e, []attrValue{
		{attrPrices, nonNil(b.Prices())},
		{attrQuantities, nonNil(b.Quantities())},
		{attrMeanPrice, b.MeanPrice()},
		{attrTotalQuantity, b.TotalQuantity()},
		{attrBuying, b.Buying},
		{attrSelling, b.Selling},
		{attrFlexEnergy, b.FlexEnergy},
		{attrUsed, b.Used},
	})
	return e, err
}

// DecodeBid reads a bid entity. The agent id comes from the entity id.
func DecodeBid(e store.Entity) (model.Bid, error) {
	r := reader{e: e}
	prices := r.floats(attrPrices)
	quantities := r.floats(attrQuantities)
	buying := r.boolean(attrBuying)
	selling := r.boolean(attrSelling)
	flex := r.number(attrFlexEnergy)
	used := r.boolean(attrUsed)
	if err := r.err(); err != nil {
		return model.Bid{}, err
	}

	b, err := model.NewBid(AgentFromBidID(e.ID), prices, quantities, buying)
	if err != nil {
		return model.Bid{}, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, e.ID, err)
	}
	b.Selling = selling
	b.FlexEnergy = flex
	b.Used = used
	if err := b.Validate(); err != nil {
		return model.Bid{}, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, e.ID, err)
	}
	return b, nil
}

// EncodeOffer converts an offer or counteroffer into its store entity.
func EncodeOffer(o model.Offer) (store.Entity, error) {
	id := OfferID(o.ReceivingAgentID)
	if o.Kind == model.KindCounteroffer {
		id = CounterofferID(o.OfferingAgentID, o.ReceivingAgentID)
	}
	e := store.NewEntity(id, TypeOffer)
	err := setAll(&e, []attrValue{
		{attrKind, string(o.Kind)},
		{attrOffering, o.OfferingAgentID},
		{attrReceiving, o.ReceivingAgentID},
		{attrPrices, nonNil(o.Prices)},
		{attrQuantities, nonNil(o.Quantities)},
		{attrBuying, o.Buying},
		{attrSelling, o.Selling},
		{attrUsed, o.Used},
	})
	return e, err
}

// DecodeOffer reads an offer entity.
func DecodeOffer(e store.Entity) (model.Offer, error) {
	r := reader{e: e}
	o := model.Offer{
		Kind:             model.OfferKind(r.str(attrKind)),
		OfferingAgentID:  r.str(attrOffering),
		ReceivingAgentID: r.str(attrReceiving),
		Prices:           r.floats(attrPrices),
		Quantities:       r.floats(attrQuantities),
		Buying:           r.boolean(attrBuying),
		Selling:          r.boolean(attrSelling),
		Used:             r.boolean(attrUsed),
	}
	if err := r.err(); err != nil {
		return model.Offer{}, err
	}
	if err := o.Validate(); err != nil {
		return model.Offer{}, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, e.ID, err)
	}
	return o, nil
}

// EncodeTrade converts a trade into its store entity.
func EncodeTrade(t model.Trade) (store.Entity, error) {
	e := store.NewEntity(TradeID(t.Seller, t.Buyer), TypeTrade)
	err := setAll(&e, []attrValue{
		{attrBuyer, t.Buyer},
		{attrSeller, t.Seller},
		{attrPrices, nonNil(t.Prices)},
		{attrQuantities, nonNil(t.Quantities)},
		{attrUsed, t.Used},
	})
	return e, err
}

// DecodeTrade reads a trade entity.
func DecodeTrade(e store.Entity) (model.Trade, error) {
	r := reader{e: e}
	t := model.Trade{
		Buyer:      r.str(attrBuyer),
		Seller:     r.str(attrSeller),
		Prices:     r.floats(attrPrices),
		Quantities: r.floats(attrQuantities),
		Used:       r.boolean(attrUsed),
	}
	if err := r.err(); err != nil {
		return model.Trade{}, err
	}
	if err := t.Validate(); err != nil {
		return model.Trade{}, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, e.ID, err)
	}
	return t, nil
}

// isUnused reports whether a record is still waiting to be consumed.
// Records without a readable flag count as used.
func isUnused(e store.Entity) bool {
	used, ok := e.Bool(attrUsed)
	return ok && !used
}

type attrValue struct {
	name  string
	value any
}

func setAll(e *store.Entity, attrs []attrValue) error {
	for _, a := range attrs {
		if err := e.Set(a.name, a.value); err != nil {
			return fmt.Errorf("encode %s: %w", e.ID, err)
		}
	}
	return nil
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// reader collects the first missing or mistyped attribute.
type reader struct {
	e     store.Entity
	first error
}

func (r *reader) fail(name, want string) {
	if r.first == nil {
		r.first = fmt.Errorf("%w: %s: attribute %s missing or not %s", ErrProtocolViolation, r.e.ID, name, want)
	}
}

func (r *reader) floats(name string) []float64 {
	v, ok := r.e.Floats(name)
	if !ok {
		r.fail(name, "an array of numbers")
	}
	return v
}

func (r *reader) boolean(name string) bool {
	v, ok := r.e.Bool(name)
	if !ok {
		r.fail(name, "a boolean")
	}
	return v
}

func (r *reader) number(name string) float64 {
	v, ok := r.e.Number(name)
	if !ok {
		r.fail(name, "a number")
	}
	return v
}

func (r *reader) str(name string) string {
	v, ok := r.e.String(name)
	if !ok {
		r.fail(name, "a string")
	}
	return v
}

func (r *reader) err() error { return r.first }
