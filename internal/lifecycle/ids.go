package lifecycle

import "strings"

// Entity types.
const (
	TypeBid   = "Bid"
	TypeOffer = "Offer"
	TypeTrade = "Trade"
)

const scope = "DEQ:MVP"

// BidID is the entity id of an agent's bid.
func BidID(agentID string) string {
	return TypeBid + ":" + scope + ":" + agentID
}

// AgentFromBidID returns the agent id encoded in a bid entity id.
func AgentFromBidID(id string) string {
	return id[strings.LastIndex(id, ":")+1:]
}

// OfferID is the entity id of a coordinator offer to receiver.
func OfferID(receiver string) string {
	return TypeOffer + ":" + scope + ":C:" + receiver
}

// CounterofferID is the entity id of an agent counteroffer.
func CounterofferID(offerer, receiver string) string {
	return TypeOffer + ":" + scope + ":A:" + offerer + ":" + receiver
}

// TradeID is the entity id of a trade.
func TradeID(seller, buyer string) string {
	return TypeTrade + ":" + scope + ":" + seller + ":" + buyer
}
