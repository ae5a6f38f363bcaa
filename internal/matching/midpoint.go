// Package matching provides a reference matcher for the coordinator.
//
// Midpoint pairs the most eager buyers with the cheapest sellers, offers
// each side the midpoint of the two mean prices, and turns the accepted
// share of every pairing into a trade. It runs a single offer round.
package matching

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
)

// pairing is a provisional match between one buyer and one seller.
type pairing struct {
	buyer    string
	seller   string
	price    float64
	quantity float64
}

// Midpoint is a stateful matcher for one negotiation at a time.
type Midpoint struct {
	coordinatorID string

	mu       sync.Mutex
	pairings []pairing
	offered  map[string]float64 // agent -> quantity offered
}

// NewMidpoint creates a matcher that signs its offers as coordinatorID.
func NewMidpoint(coordinatorID string) *Midpoint {
	return &Midpoint{coordinatorID: coordinatorID}
}

// ComputeOffersAndTrades pairs bids and returns one offer per paired
// agent. No trade is final before the agents answered.
func (m *Midpoint) ComputeOffersAndTrades(bids []model.Bid) ([]model.Offer, []model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pairings = nil
	m.offered = make(map[string]float64)

	var buyers, sellers []model.Bid
	for _, b := range bids {
		if b.IsEmpty() {
			continue
		}
		if b.Buying {
			buyers = append(buyers, b)
		} else {
			sellers = append(sellers, b)
		}
	}
	// Highest willingness to pay first, cheapest supply first.
	sort.SliceStable(buyers, func(i, j int) bool { return buyers[i].MeanPrice() > buyers[j].MeanPrice() })
	sort.SliceStable(sellers, func(i, j int) bool { return sellers[i].MeanPrice() < sellers[j].MeanPrice() })

	left := make(map[string]float64, len(bids))
	for _, b := range bids {
		left[b.AgentID] = b.TotalQuantity()
	}

	for _, buyer := range buyers {
		for _, seller := range sellers {
			if buyer.AgentID == seller.AgentID {
				continue
			}
			if buyer.MeanPrice() < seller.MeanPrice() {
				break
			}
			q := math.Min(left[buyer.AgentID], left[seller.AgentID])
			if q <= 0 {
				continue
			}
			m.pairings = append(m.pairings, pairing{
				buyer:    buyer.AgentID,
				seller:   seller.AgentID,
				price:    (buyer.MeanPrice() + seller.MeanPrice()) / 2,
				quantity: q,
			})
			left[buyer.AgentID] -= q
			left[seller.AgentID] -= q
			if left[buyer.AgentID] <= 0 {
				break
			}
		}
	}

	return m.offers(), nil, nil
}

// offers builds one offer per agent that appears in a pairing.
func (m *Midpoint) offers() []model.Offer {
	byAgent := make(map[string]*model.Offer)
	var order []string
	add := func(agent string, selling bool, p pairing) {
		o, ok := byAgent[agent]
		if !ok {
			o = &model.Offer{
				Kind:             model.KindOffer,
				OfferingAgentID:  m.coordinatorID,
				ReceivingAgentID: agent,
				Selling:          selling,
				Buying:           !selling,
			}
			byAgent[agent] = o
			order = append(order, agent)
		}
		o.Prices = append(o.Prices, p.price)
		o.Quantities = append(o.Quantities, p.quantity)
		m.offered[agent] += p.quantity
	}

	for _, p := range m.pairings {
		add(p.buyer, true, p)
		add(p.seller, false, p)
	}

	sort.Strings(order)
	out := make([]model.Offer, 0, len(order))
	for _, agent := range order {
		out = append(out, *byAgent[agent])
	}
	return out
}

// ProcessCounteroffers turns the accepted share of every pairing into
// trades. An agent without a counteroffer accepted nothing. No further
// offers are made.
func (m *Midpoint) ProcessCounteroffers(counteroffers []model.Offer) ([]model.Offer, []model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := make(map[string]float64, len(counteroffers))
	for _, c := range counteroffers {
		if c.ReceivingAgentID != m.coordinatorID {
			return nil, nil, fmt.Errorf("counteroffer from %s addressed to %s", c.OfferingAgentID, c.ReceivingAgentID)
		}
		accepted[c.OfferingAgentID] += c.TotalQuantity()
	}

	ratio := func(agent string) float64 {
		offered := m.offered[agent]
		if offered <= 0 {
			return 0
		}
		return math.Min(1, accepted[agent]/offered)
	}

	type pair struct{ seller, buyer string }
	trades := make(map[pair]*model.Trade)
	var order []pair
	for _, p := range m.pairings {
		q := p.quantity * math.Min(ratio(p.buyer), ratio(p.seller))
		if q <= 0 {
			continue
		}
		k := pair{p.seller, p.buyer}
		t, ok := trades[k]
		if !ok {
			t = &model.Trade{Buyer: p.buyer, Seller: p.seller}
			trades[k] = t
			order = append(order, k)
		}
		t.Prices = append(t.Prices, p.price)
		t.Quantities = append(t.Quantities, q)
	}

	out := make([]model.Trade, 0, len(order))
	for _, k := range order {
		out = append(out, *trades[k])
	}
	m.pairings = nil
	return nil, out, nil
}
