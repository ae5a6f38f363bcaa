// Package controller drives market rounds.
//
// While the market runs, the Controller broadcasts the phases of a round
// in order and waits on a barrier for every participant's completion
// notification before moving on:
//
//	/building/calculate_forecast  all agents
//	/building/optimize            all agents
//	/coordinator/negotiation      the coordinator
//	/agent/grid                   all agents
//	/building/prepare             all agents
//
// Rounds are paced to a minimum duration. /controller/start and
// /controller/stop toggle the market; after a configured number of rounds
// the controller stops by itself and invokes its done callback.
package controller
