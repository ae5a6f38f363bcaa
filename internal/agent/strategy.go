package agent

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
)

// GridPrices are the tariffs for energy not traded locally.
type GridPrices struct {
	Buy  decimal.Decimal // EUR/kWh paid for grid supply
	Sell decimal.Decimal // EUR/kWh received for feed-in
}

// GridSettlement is the agent's exchange with the grid for one round.
type GridSettlement struct {
	Quantity decimal.Decimal // kWh
	Price    decimal.Decimal // EUR/kWh
	Buying   bool
}

// Amount is the money exchanged, positive when the agent pays.
func (g GridSettlement) Amount() decimal.Decimal {
	amount := g.Quantity.Mul(g.Price)
	if g.Buying {
		return amount
	}
	return amount.Neg()
}

// Strategy decides how an agent negotiates.
type Strategy interface {
	// MakeCounteroffer answers an offer given the agent's current bid.
	MakeCounteroffer(offer model.Offer, bid model.Bid) (model.Offer, error)

	// AdjustBid returns the bid that remains after a trade.
	AdjustBid(bid model.Bid, trade model.Trade) model.Bid

	// TradeWithGrid settles whatever the bid still holds with the grid.
	TradeWithGrid(bid model.Bid, prices GridPrices) GridSettlement
}

// AcceptingStrategy accepts every offer at the offered price, up to the
// quantity left in the bid.
type AcceptingStrategy struct{}

func (AcceptingStrategy) MakeCounteroffer(offer model.Offer, bid model.Bid) (model.Offer, error) {
	if len(offer.Prices) != len(offer.Quantities) {
		return model.Offer{}, fmt.Errorf("offer from %s: %d prices but %d quantities",
			offer.OfferingAgentID, len(offer.Prices), len(offer.Quantities))
	}

	remaining := bid.TotalQuantity()
	counter := model.Offer{
		OfferingAgentID:  offer.ReceivingAgentID,
		ReceivingAgentID: offer.OfferingAgentID,
		Prices:           make([]float64, 0, len(offer.Prices)),
		Quantities:       make([]float64, 0, len(offer.Quantities)),
		Buying:           bid.Buying,
		Selling:          bid.Selling,
	}
	for i, q := range offer.Quantities {
		if remaining <= 0 {
			break
		}
		take := min(q, remaining)
		counter.Prices = append(counter.Prices, offer.Prices[i])
		counter.Quantities = append(counter.Quantities, take)
		remaining -= take
	}
	return counter, nil
}

func (AcceptingStrategy) AdjustBid(bid model.Bid, trade model.Trade) model.Bid {
	traded := trade.TotalQuantity()
	out := bid
	out.Fragments = make([]model.Fragment, 0, len(bid.Fragments))
	for _, f := range bid.Fragments {
		take := min(f.Quantity, traded)
		traded -= take
		if f.Quantity-take > 0 {
			out.Fragments = append(out.Fragments, model.Fragment{Price: f.Price, Quantity: f.Quantity - take})
		}
	}
	return out
}

func (AcceptingStrategy) TradeWithGrid(bid model.Bid, prices GridPrices) GridSettlement {
	s := GridSettlement{
		Quantity: decimal.NewFromFloat(bid.TotalQuantity()),
		Buying:   bid.Buying,
	}
	if bid.Buying {
		s.Price = prices.Buy
	} else {
		s.Price = prices.Sell
	}
	return s
}
