// Package messaging provides publish/subscribe and request/reply over a
// topic exchange. Delivery is at-least-once: handlers must be idempotent
// or deduplicate by message id. Two implementations exist, an AMQP bus
// for production and an in-process MemoryBus with the same semantics for
// tests and local runs.
package messaging

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DefaultRequestTimeout bounds Request when the caller passes 0.
const DefaultRequestTimeout = 30 * time.Second

var ErrBusClosed = errors.New("message bus is closed")

// Handler processes one delivery. Returning an error rejects the
// delivery; the first rejection requeues it once, a second drops it.
// A handler is invoked at most concurrently-once per delivery, but
// different deliveries may run in parallel.
type Handler func(ctx context.Context, env *Envelope) error

// Subscription owns a consumer binding; releasing it stops delivery to
// the handler.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging surface used by the engines and sample services.
type Bus interface {
	// Publish sends payload to the exchange. An empty routingKey defaults
	// to the lowercased payload type name.
	Publish(ctx context.Context, payload interface{}, routingKey string) error

	// Subscribe binds a durable queue <serviceName>.<msgType> to the
	// exchange and delivers matching messages to handler. An empty
	// routingKey defaults to the lowercased msgType.
	Subscribe(msgType string, handler Handler, routingKey string) (Subscription, error)

	// Request publishes payload with a fresh correlation id and a replyTo
	// pointing at this process's reply queue, then awaits the correlated
	// response. A timeout of 0 applies DefaultRequestTimeout.
	Request(ctx context.Context, payload interface{}, routingKey string, timeout time.Duration) (*Envelope, error)

	// Reply responds to a request delivery, copying its correlation id
	// and targeting its replyTo queue.
	Reply(ctx context.Context, req *Envelope, payload interface{}) error

	Close() error
}
