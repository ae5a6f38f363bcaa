// Package lifecycle maps bids, offers and trades onto store entities and
// implements the used-flag consumption protocol.
//
// A record is written once per round, read by its intended consumers, and
// flipped to used=true by its single owner once consumed. The next round
// overwrites it. A write first marks the record used, then updates the
// data attributes, then clears used last, so a poller never sees a fresh
// flag next to half-written data.
//
// Entity ids:
//
//	Bid:DEQ:MVP:<agent>
//	Offer:DEQ:MVP:C:<receiver>             (coordinator offer)
//	Offer:DEQ:MVP:A:<offerer>:<receiver>   (agent counteroffer)
//	Trade:DEQ:MVP:<seller>:<buyer>
package lifecycle
