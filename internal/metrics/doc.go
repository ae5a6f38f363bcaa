// Package metrics keeps per-round timing statistics.
//
// The controller records one RoundStats per completed round: wall-clock
// duration, time spent in negotiation, per-phase durations and the
// participants that were skipped after a barrier timeout. Rounds keeps a
// bounded history that the health server exposes as JSON.
package metrics
