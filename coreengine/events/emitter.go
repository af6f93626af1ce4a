// Package events publishes execution lifecycle events without ever blocking
// or failing the pipeline.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/commbus"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
)

// DefaultQueueSize is used when NewEmitter is given a non-positive size.
const DefaultQueueSize = 256

// publishTimeout bounds a single delivery to the bus.
const publishTimeout = 5 * time.Second

// Notifier accepts lifecycle events.
type Notifier interface {
	Notify(msg commbus.Message)
}

// Emitter queues events and publishes them to a bus from one worker
// goroutine. When the queue is full the event is dropped and counted.
type Emitter struct {
	bus    commbus.CommBus
	queue  chan commbus.Message
	logger logging.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewEmitter creates an Emitter and starts its worker.
func NewEmitter(bus commbus.CommBus, queueSize int, logger logging.Logger) *Emitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	e := &Emitter{
		bus:    bus,
		queue:  make(chan commbus.Message, queueSize),
		logger: logger.Bind("component", "events"),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Notify enqueues msg. It never blocks.
func (e *Emitter) Notify(msg commbus.Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	eventType := commbus.GetMessageType(msg)
	if e.closed {
		e.logger.Debug("event_after_close", "event_type", eventType)
		return
	}

	select {
	case e.queue <- msg:
	default:
		observability.RecordEvent(eventType, "dropped")
		e.logger.Warn("event_dropped", "event_type", eventType, "queue_size", cap(e.queue))
	}
}

// Close stops accepting events and waits for queued ones to be published,
// or for ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for msg := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := e.bus.Publish(ctx, msg); err != nil {
			e.logger.Warn("event_publish_failed", "event_type", commbus.GetMessageType(msg), "error", err.Error())
		}
		cancel()
	}
}

// Discard is a Notifier that drops everything.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(commbus.Message) {}

var (
	_ Notifier = (*Emitter)(nil)
	_ Notifier = Discard{}
)
