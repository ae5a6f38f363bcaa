// Package connection implements the websocket message bus client.
//
// A Bus holds one websocket connection to a broker (see internal/broker):
//   - frames are CBOR encoded and sent as binary messages
//   - subscriptions are reference counted per pattern and replayed after
//     a reconnect
//   - incoming publications are fanned out to local handlers through a
//     router.Router
//   - lost connections are re-established with exponential backoff
package connection
