package coordinator

// State is the negotiation state machine position.
type State int32

const (
	StateIdle State = iota
	StateCollectingBids
	StateMatching
	StateOfferRound
	StateSettlingTrades
	StateClearing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollectingBids:
		return "COLLECTING_BIDS"
	case StateMatching:
		return "MATCHING"
	case StateOfferRound:
		return "OFFER_ROUND"
	case StateSettlingTrades:
		return "SETTLING_TRADES"
	case StateClearing:
		return "CLEARING"
	}
	return "UNKNOWN"
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
