package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all event traffic at debug level.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("event_published", "event_type", GetMessageType(message), "category", message.Category())
	return message, nil
}

// After logs delivery completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, err error) error {
	if err != nil {
		m.logger.Warn("event_delivery_failed", "event_type", GetMessageType(message), "error", err.Error())
	} else {
		m.logger.Debug("event_delivered", "event_type", GetMessageType(message))
	}
	return nil
}

// =============================================================================
// METRICS MIDDLEWARE
// =============================================================================

// MetricsMiddleware counts delivery outcomes per event type.
type MetricsMiddleware struct{}

// Before implements Middleware.
func (MetricsMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return message, nil
}

// After implements Middleware.
func (MetricsMiddleware) After(ctx context.Context, message Message, err error) error {
	outcome := "published"
	if err != nil {
		outcome = "error"
	}
	observability.RecordEvent(GetMessageType(message), outcome)
	return nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// CircuitState is the delivery state of one event type.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type circuit struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
}

// CircuitBreakerMiddleware stops delivering an event type after threshold
// consecutive failed deliveries, usually because the broker behind the NATS
// bridge is unreachable. After cooldown one probe delivery is let through.
// A threshold of 0 never opens.
type CircuitBreakerMiddleware struct {
	threshold int
	cooldown  time.Duration
	exempt    map[string]bool
	logger    logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewCircuitBreakerMiddleware creates a breaker. Event types in exempt are
// always delivered.
func NewCircuitBreakerMiddleware(threshold int, cooldown time.Duration, exempt []string, logger logging.Logger) *CircuitBreakerMiddleware {
	m := &CircuitBreakerMiddleware{
		threshold: threshold,
		cooldown:  cooldown,
		exempt:    make(map[string]bool, len(exempt)),
		logger:    logger,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
	for _, t := range exempt {
		m.exempt[t] = true
	}
	return m
}

func (m *CircuitBreakerMiddleware) circuitFor(eventType string) *circuit {
	c, ok := m.circuits[eventType]
	if !ok {
		c = &circuit{}
		m.circuits[eventType] = c
	}
	return c
}

// Before drops the event while its circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	eventType := GetMessageType(message)
	if m.exempt[eventType] {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(eventType)
	if c.state != CircuitOpen {
		return message, nil
	}
	if m.now().Sub(c.lastFailure) < m.cooldown {
		observability.RecordEvent(eventType, "dropped")
		return nil, nil
	}
	c.state = CircuitHalfOpen
	m.logger.Info("circuit_probing", "event_type", eventType)
	return message, nil
}

// After records the delivery result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, err error) error {
	eventType := GetMessageType(message)
	if m.exempt[eventType] {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(eventType)
	if err == nil {
		if c.state != CircuitClosed {
			m.logger.Info("circuit_closed", "event_type", eventType)
		}
		*c = circuit{}
		return nil
	}

	c.failures++
	c.lastFailure = m.now()
	if c.state == CircuitHalfOpen || (m.threshold > 0 && c.failures >= m.threshold) {
		if c.state != CircuitOpen {
			m.logger.Warn("circuit_opened", "event_type", eventType, "failures", c.failures, "error", err.Error())
		}
		c.state = CircuitOpen
	}
	return nil
}

// States returns the circuit state per event type seen so far.
func (m *CircuitBreakerMiddleware) States() map[string]CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]CircuitState, len(m.circuits))
	for t, c := range m.circuits {
		out[t] = c.state
	}
	return out
}

// Reset forgets the given event types, or every type when none are given.
func (m *CircuitBreakerMiddleware) Reset(eventTypes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(eventTypes) == 0 {
		m.circuits = make(map[string]*circuit)
		return
	}
	for _, t := range eventTypes {
		delete(m.circuits, t)
	}
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = MetricsMiddleware{}
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
