// Package agent implements the market participant that represents one
// building.
//
// Agent holds the domain state of a round: the building's bid, the offer
// currently being answered, the trades received and a settlement ledger.
// Participant connects an Agent to the bus and the entity store: it reacts
// to phase signals, runs the matching Agent action and always answers with
// a completion notification, even when the action failed or was a
// duplicate.
//
// The building model and the negotiation strategy are external; Building
// and Strategy are the seams. ProfileBuilding and AcceptingStrategy are
// simple stand-ins used by the binaries and the tests.
package agent
