// Package broker implements a small publish/subscribe broker that market
// processes reach over websockets (see internal/connection).
//
// It offers MQTT-style topic wildcards and at-most-once delivery. Each
// session owns an unbounded outbound queue, so one slow client never
// delays the others.
package broker
