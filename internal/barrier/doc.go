// Package barrier waits until a fixed set of participants has reported
// completion of a phase.
//
// A Barrier holds one flag per expected participant id. Membership is fixed
// at construction: NewStatic takes the full population, NewForOffers takes
// the distinct receivers of a batch of offers. Arm opens the barrier for a
// phase, Set records a completion notification, Wait blocks until every
// flag is set, and Reset closes it again.
//
// Wait either polls at a fixed interval (ModePoll) or wakes on the Set that
// completes the barrier (ModeNotify). Both honour the context and an
// optional timeout.
//
// Run wraps one phase: arm, broadcast, wait, retry once on timeout, then
// skip or abort according to the configured policy.
package barrier
