package bus

import (
	"context"
	"errors"

	"github.com/RWTH-EBC/PHOENAIX/internal/router"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

type (
	Message = router.Message
	Handler = router.Handler
)

// Bus is the narrow interface the market components use.
type Bus interface {
	// Publish sends payload on topic. It does not wait for delivery.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for every topic matching pattern.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)

	// Close releases the transport. Pending deliveries may be dropped.
	Close() error
}

// Subscription is an active registration on a Bus.
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }
