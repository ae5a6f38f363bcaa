package router

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config holds configuration for the Router.
type Config struct {
	// Initial capacity of each subscription queue. Queues grow on demand.
	BufferSize int // Default: 64
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 64}
}

// Message is one publication on the bus.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes a delivered message. Handlers run on the subscription's
// own goroutine; a slow handler only delays its own subscription.
type Handler func(ctx context.Context, msg Message)

// ValidatePattern checks MQTT-style wildcard usage: "+" must fill a whole
// level and "#" must be the last level.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty topic pattern")
	}
	levels := strings.Split(pattern, "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return fmt.Errorf("pattern %q: # must be the last level", pattern)
		case l != "#" && l != "+" && strings.ContainsAny(l, "#+"):
			return fmt.Errorf("pattern %q: wildcard must occupy a whole level", pattern)
		}
	}
	return nil
}

// ValidateTopic checks that a publish topic carries no wildcard.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	if strings.ContainsAny(topic, "#+") {
		return fmt.Errorf("topic %q contains a wildcard", topic)
	}
	return nil
}

// Match reports whether topic matches the MQTT-style pattern.
//
//	"/notification/+/3"  matches "/notification/bid/3"
//	"/notification/#"    matches "/notification" and "/notification/bid/3"
func Match(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, level := range p {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
