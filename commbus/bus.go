package commbus

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
)

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryCommBus is an in-memory implementation of CommBus.
//
// Usage:
//
//	bus := NewInMemoryCommBus(logger)
//	bus.Subscribe(commbus.TypeEmailReceived, auditHandler)
//	bus.Subscribe(commbus.AllEvents, bridge.Forward)
//	bus.Publish(ctx, &commbus.EmailReceived{...})
type InMemoryCommBus struct {
	subscribers map[string][]subscription
	middleware  []Middleware
	nextID      uint64
	logger      logging.Logger
	mu          sync.RWMutex
}

// NewInMemoryCommBus creates a new InMemoryCommBus.
func NewInMemoryCommBus(logger logging.Logger) *InMemoryCommBus {
	return &InMemoryCommBus{
		subscribers: make(map[string][]subscription),
		middleware:  make([]Middleware, 0),
		logger:      logger.Bind("component", "commbus"),
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish publishes an event to all subscribers.
// Subscribers run concurrently; Publish returns once all have finished.
// Subscriber errors and panics are logged but don't stop other subscribers.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("event_dropped_by_middleware", "event_type", eventType)
		return nil
	}

	b.mu.RLock()
	handlers := make([]HandlerFunc, 0, len(b.subscribers[eventType])+len(b.subscribers[AllEvents]))
	for _, s := range b.subscribers[eventType] {
		handlers = append(handlers, s.handler)
	}
	if eventType != AllEvents {
		for _, s := range b.subscribers[AllEvents] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("event_no_subscribers", "event_type", eventType)
		b.runMiddlewareAfter(ctx, event, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(handlers))
	// Each subscriber gets the processed message concurrently.
	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			errs[idx] = recovery.SafeExecute(b.logger, "subscriber_"+eventType, func() error {
				return h(ctx, processed)
			})
			if errs[idx] != nil {
				b.logger.Warn("subscriber_failed", "event_type", eventType, "subscriber", idx, "error", errs[idx].Error())
			}
		}(i, handler)
	}
	wg.Wait()

	b.runMiddlewareAfter(ctx, event, errors.Join(errs...))
	return nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes to an event type, or to AllEvents.
// Returns an unsubscribe function for cleanup; calling it twice is harmless.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", "event_type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				if len(b.subscribers[eventType]) == 0 {
					delete(b.subscribers, eventType)
				}
				return
			}
		}
	}
}

// AddMiddleware adds middleware to the bus.
// Middleware is executed in registration order.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// SubscriberCount returns the number of handlers subscribed to eventType.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// EventTypes returns the subscribed event types, sorted.
func (b *InMemoryCommBus) EventTypes() []string {
	b.mu.RLock()
	types := make([]string, 0, len(b.subscribers))
	for t := range b.subscribers {
		types = append(types, t)
	}
	b.mu.RUnlock()
	sort.Strings(types)
	return types
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	return mws
}

// runMiddlewareBefore runs the before chain.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the after chain in reverse order.
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, err error) {
	mws := b.middlewareSnapshot()
	for i := len(mws) - 1; i >= 0; i-- {
		if afterErr := mws[i].After(ctx, message, err); afterErr != nil {
			b.logger.Warn("middleware_after_failed", "event_type", GetMessageType(message), "error", afterErr.Error())
		}
	}
}

// Ensure InMemoryCommBus implements CommBus interface.
var _ CommBus = (*InMemoryCommBus)(nil)
