// Package commbus is the in-process lifecycle event bus.
//
// Components publish typed lifecycle messages (email received, graph
// submitted, execution completed, action created); subscribers such as the
// NATS bridge and test probes receive them. Delivery is fan-out and
// best-effort: subscriber failures are logged and never reach the publisher.
package commbus

import (
	"context"
)

// =============================================================================
// PROTOCOLS
// =============================================================================

// Message is the protocol for all commbus messages.
type Message interface {
	// Category returns the message category. Lifecycle messages are "event".
	Category() string
}

// TypedMessage is a Message that names its own routing type.
type TypedMessage interface {
	Message
	MessageType() string
}

// Correlated messages carry the execution id they belong to.
type Correlated interface {
	CorrelationID() string
}

// HandlerFunc handles one delivered message.
type HandlerFunc func(ctx context.Context, message Message) error

// Middleware intercepts messages around delivery.
type Middleware interface {
	// Before is called before delivery. Returns the message to deliver, or
	// nil to drop it.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called once every subscriber has run, with the joined
	// subscriber errors if any.
	After(ctx context.Context, message Message, err error) error
}

// AllEvents subscribes a handler to every published type.
const AllEvents = "*"

// CommBus is the protocol for the lifecycle bus.
type CommBus interface {
	// Publish delivers an event to every subscriber of its type and to
	// AllEvents subscribers.
	Publish(ctx context.Context, event Message) error

	// Subscribe registers handler for eventType and returns an unsubscribe
	// function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// AddMiddleware appends middleware; it runs in registration order.
	AddMiddleware(middleware Middleware)
}
