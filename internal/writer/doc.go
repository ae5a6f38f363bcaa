// Package writer records market results.
//
// Recorders:
//   - ResultWriter: batched inserts into PostgreSQL (negotiations, bids,
//     trades, rounds)
//   - FileRecorder: zstd-compressed JSON lines, one file per hour
//
// Both are append-only. Recording never blocks the round: ResultWriter
// queues rows and flushes them from its own goroutines.
package writer
