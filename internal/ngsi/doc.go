// Package ngsi provides a store.Store backed by a FIWARE Orion context
// broker speaking NGSI-v2.
//
// Endpoints used:
//   - GET    /v2/entities/{id}
//   - GET    /v2/entities?type=...
//   - POST   /v2/entities
//   - POST   /v2/entities/{id}/attrs
//   - POST   /v2/op/update (actionType delete)
package ngsi
