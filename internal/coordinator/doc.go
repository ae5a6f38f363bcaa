// Package coordinator runs the negotiation step of a market round.
//
// On /coordinator/negotiation the Coordinator collects the agents' bids,
// hands them to a Matcher, exchanges offers and counteroffers with the
// agents until the matcher has nothing left to offer, publishes the
// resulting trades and clears the round's records. It always finishes by
// publishing /notification/negotiation/<coordinatorId>, also when the
// negotiation failed.
//
// All exchanges go through the entity store. The bus only carries the
// signals that start a step and the agents' completion notifications,
// which the Coordinator gathers in barriers:
//
//	COLLECTING_BIDS  /agent/submit_bid     static barrier over all agents
//	OFFER_ROUND      /agent/counteroffer   barrier over the offer receivers
//	SETTLING_TRADES  /agent/receive_trade  static barrier over all agents
package coordinator
