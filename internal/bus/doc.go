// Package bus is the publish/subscribe transport between market
// participants.
//
// Delivery is at-least-once and unordered across topics. Every participant
// must tolerate duplicates. Topic patterns use MQTT wildcards: "+" for one
// level and "#" for the remainder.
//
// Implementations:
//   - Memory: in-process, optionally duplicating every delivery
//   - MQTT: paho client against any MQTT 3.1.1 broker
//   - connection.Client: websocket client for cmd/broker
package bus
