// Package store defines the shared entity store used by every market
// participant to exchange bids, offers and trades.
//
// The store is weakly consistent: there are no transactions across
// entities and no locking between participants. Records carry a "used"
// flag that participants flip to claim them.
//
// Entities follow the NGSI-v2 normalized shape: an id, a type, and a set of
// typed attributes. Attribute types are inferred from the runtime value on
// every write and stores reject writes whose declared type does not match
// the value or the type already stored.
//
// Implementations:
//   - Memory: process-local map, used by the single-process deployment and tests
//   - SQLite: single-file store for local multi-process runs
//   - ngsi.Client and database.EntityStore live in their own packages
package store
