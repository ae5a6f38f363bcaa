// Package database provides PostgreSQL connection pools and a
// PostgreSQL-backed entity store.
//
// A deployment may use up to two databases:
//   - the entity store shared by all market processes (bids, offers, trades)
//   - the results database receiving negotiation and round records
//
// Both may point at the same server; NewPools then opens a single pool.
package database
