package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Op identifies the kind of a frame.
type Op string

const (
	OpSubscribe   Op = "sub"   // client → broker, Pattern
	OpUnsubscribe Op = "unsub" // client → broker, Pattern
	OpPublish     Op = "pub"   // client → broker, Topic + Payload
	OpMessage     Op = "msg"   // broker → client, Topic + Payload
	OpAck         Op = "ack"   // broker → client, ID of the request
	OpError       Op = "err"   // broker → client, ID + Error
)

// Frame is the unit exchanged between bus clients and the broker. Requests
// with a non-zero ID are answered with an ack or err frame carrying the
// same ID.
type Frame struct {
	Op      Op     `cbor:"op"`
	ID      uint64 `cbor:"id,omitempty"`
	Topic   string `cbor:"topic,omitempty"`
	Pattern string `cbor:"pattern,omitempty"`
	Payload []byte `cbor:"payload,omitempty"`
	Error   string `cbor:"error,omitempty"`
}

// TimestampedFrame wraps a decoded frame with its receive timestamp.
type TimestampedFrame struct {
	Frame      Frame
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientIDHeader carries the bus client id on the websocket handshake.
const ClientIDHeader = "X-Bus-Client-Id"

// ClientConfig configures a single websocket connection.
type ClientConfig struct {
	URL          string        // Broker URL (e.g., ws://localhost:8883/ws)
	ClientID     string        // Sent in ClientIDHeader
	PingInterval time.Duration // Interval between keepalive pings
	PingTimeout  time.Duration // Max time without pong before the connection is stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Frame channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 15 * time.Second,
		PingTimeout:  45 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   4096,
	}
}

// BusConfig configures a websocket Bus.
type BusConfig struct {
	Client            ClientConfig
	RequestTimeout    time.Duration // Wait for a subscribe ack
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Client:            DefaultClientConfig(),
		RequestTimeout:    5 * time.Second,
		ReconnectBaseWait: 500 * time.Millisecond,
		ReconnectMaxWait:  30 * time.Second,
	}
}

// BusStats provides statistics about a Bus.
type BusStats struct {
	Connected  bool
	Patterns   int
	Published  int64
	Received   int64
	Reconnects int64
}
