// Package model defines the records exchanged between market participants
// every round.
//
// Conventions:
//   - Prices: EUR per kWh as float64
//   - Quantities: kWh as float64, never negative
//   - Agent IDs: strings; the coordinator uses its own ID (default "C")
//   - Used: one-shot consumption marker, false while a record is new
package model
