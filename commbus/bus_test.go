package commbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(logging.NewNop())
}

// countingHandler returns handler that counts calls
func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		atomic.AddInt32(counter, 1)
		return nil
	}
}

// failingHandler returns handler that always fails
func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		return errors.New(errMsg)
	}
}

// trackingMiddleware records call order
type trackingMiddleware struct {
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, err error) error {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return nil
}

// abortingMiddleware drops every message
type abortingMiddleware struct{}

func (abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (abortingMiddleware) After(ctx context.Context, message Message, err error) error { return nil }

// errorMiddleware fails in Before
type errorMiddleware struct{}

func (errorMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, errors.New("middleware error")
}

func (errorMiddleware) After(ctx context.Context, message Message, err error) error { return nil }

// afterErrMiddleware captures the error passed to After
type afterErrMiddleware struct {
	mu  sync.Mutex
	got error
}

func (m *afterErrMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return message, nil
}

func (m *afterErrMiddleware) After(ctx context.Context, message Message, err error) error {
	m.mu.Lock()
	m.got = err
	m.mu.Unlock()
	return errors.New("after failed")
}

func received() *EmailReceived {
	return &EmailReceived{ExecutionID: "exec-1", EmailID: "email-1", Subject: "hello"}
}

// =============================================================================
// PUBLISH / SUBSCRIBE TESTS
// =============================================================================

func TestPublishEventWithSubscriber(t *testing.T) {
	bus := newTestBus()
	var got Message
	bus.Subscribe(TypeEmailReceived, func(ctx context.Context, msg Message) error {
		got = msg
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), received()))
	require.NotNil(t, got)
	assert.Equal(t, "email-1", got.(*EmailReceived).EmailID)
}

func TestPublishEventMultipleSubscribers(t *testing.T) {
	bus := newTestBus()
	var count int32
	for i := 0; i < 3; i++ {
		bus.Subscribe(TypeEmailReceived, countingHandler(&count))
	}
	bus.Subscribe(TypeGraphSubmitted, countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), received()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestPublishEventNoSubscribers(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), received()))
}

func TestSubscribeAllEvents(t *testing.T) {
	bus := newTestBus()
	var mu sync.Mutex
	var types []string
	bus.Subscribe(AllEvents, func(ctx context.Context, msg Message) error {
		mu.Lock()
		types = append(types, GetMessageType(msg))
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, received()))
	require.NoError(t, bus.Publish(ctx, &GraphSubmitted{ExecutionID: "exec-1"}))
	require.NoError(t, bus.Publish(ctx, &ActionCreated{ExecutionID: "exec-1", ActionType: "create_task"}))

	assert.Equal(t, []string{"emails.received", "graph.submitted", "actions.create_task.created"}, types)
}

func TestSubscriberErrorsAndPanicsAreContained(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.Subscribe(TypeEmailReceived, failingHandler("broker down"))
	bus.Subscribe(TypeEmailReceived, func(ctx context.Context, msg Message) error {
		panic("subscriber bug")
	})
	bus.Subscribe(TypeEmailReceived, countingHandler(&count))

	assert.NoError(t, bus.Publish(context.Background(), received()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	var first, second int32
	unsubFirst := bus.Subscribe(TypeEmailReceived, countingHandler(&first))
	bus.Subscribe(TypeEmailReceived, countingHandler(&second))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, received()))
	unsubFirst()
	unsubFirst()
	require.NoError(t, bus.Publish(ctx, received()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&first))
	assert.Equal(t, int32(2), atomic.LoadInt32(&second))
	assert.Equal(t, 1, bus.SubscriberCount(TypeEmailReceived))
}

func TestEventTypes(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe(TypeEmailReceived, countingHandler(new(int32)))
	unsub := bus.Subscribe(AllEvents, countingHandler(new(int32)))

	assert.Equal(t, []string{"*", "emails.received"}, bus.EventTypes())
	unsub()
	assert.Equal(t, []string{"emails.received"}, bus.EventTypes())
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := newTestBus()
	var count int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(TypeEmailReceived, countingHandler(&count))
			unsub()
		}()
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), received())
		}()
	}
	wg.Wait()
	assert.Zero(t, bus.SubscriberCount(TypeEmailReceived))
}

// =============================================================================
// MIDDLEWARE CHAIN TESTS
// =============================================================================

func TestMiddlewareChainOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "first"})
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "second"})
	bus.Subscribe(TypeEmailReceived, func(ctx context.Context, msg Message) error {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), received()))
	assert.Equal(t, []string{"first-before", "second-before", "handler", "second-after", "first-after"}, order)
}

func TestMiddlewareAbortProcessing(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.AddMiddleware(abortingMiddleware{})
	bus.Subscribe(TypeEmailReceived, countingHandler(&count))

	assert.NoError(t, bus.Publish(context.Background(), received()))
	assert.Zero(t, atomic.LoadInt32(&count))
}

func TestMiddlewareBeforeError(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.AddMiddleware(errorMiddleware{})
	bus.Subscribe(TypeEmailReceived, countingHandler(&count))

	assert.EqualError(t, bus.Publish(context.Background(), received()), "middleware error")
	assert.Zero(t, atomic.LoadInt32(&count))
}

func TestMiddlewareAfterSeesFirstSubscriberError(t *testing.T) {
	bus := newTestBus()
	mw := &afterErrMiddleware{}
	bus.AddMiddleware(mw)
	bus.Subscribe(TypeEmailReceived, failingHandler("nats unavailable"))

	// After errors are logged, never returned to the publisher.
	assert.NoError(t, bus.Publish(context.Background(), received()))
	mw.mu.Lock()
	defer mw.mu.Unlock()
	assert.EqualError(t, mw.got, "nats unavailable")
}

// =============================================================================
// CIRCUIT BREAKER TESTS
// =============================================================================

func newBreakerBus(threshold int, reset time.Duration, excluded ...string) (*InMemoryCommBus, *CircuitBreakerMiddleware) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(threshold, reset, excluded, logging.NewNop())
	bus.AddMiddleware(cb)
	return bus, cb
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	bus, cb := newBreakerBus(3, time.Minute)
	var calls int32
	bus.Subscribe(TypeEmailReceived, func(ctx context.Context, msg Message) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("error")
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = bus.Publish(ctx, received())
	}
	assert.Equal(t, CircuitOpen, cb.States()[TypeEmailReceived])

	// Blocked while open.
	_ = bus.Publish(ctx, received())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	tests := []struct {
		name      string
		probeErr  error
		wantState CircuitState
	}{
		{"probe succeeds closes", nil, CircuitClosed},
		{"probe fails reopens", errors.New("still down"), CircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, cb := newBreakerBus(2, time.Minute)
			now := time.Now()
			cb.now = func() time.Time { return now }

			var fail atomic.Bool
			fail.Store(true)
			bus.Subscribe(TypeGraphSubmitted, func(ctx context.Context, msg Message) error {
				if fail.Load() {
					return errors.New("down")
				}
				return tt.probeErr
			})

			ctx := context.Background()
			_ = bus.Publish(ctx, &GraphSubmitted{})
			_ = bus.Publish(ctx, &GraphSubmitted{})
			require.Equal(t, CircuitOpen, cb.States()[TypeGraphSubmitted])

			now = now.Add(2 * time.Minute)
			fail.Store(false)
			_ = bus.Publish(ctx, &GraphSubmitted{})
			assert.Equal(t, tt.wantState, cb.States()[TypeGraphSubmitted])
		})
	}
}

func TestCircuitBreakerExcludedAndZeroThreshold(t *testing.T) {
	bus, cb := newBreakerBus(1, time.Minute, TypeExecutionCompleted)
	bus.Subscribe(TypeExecutionCompleted, failingHandler("x"))
	for i := 0; i < 3; i++ {
		_ = bus.Publish(context.Background(), &ExecutionCompleted{})
	}
	assert.NotContains(t, cb.States(), TypeExecutionCompleted)

	bus, cb = newBreakerBus(0, time.Minute)
	bus.Subscribe(TypeEmailReceived, failingHandler("x"))
	for i := 0; i < 5; i++ {
		_ = bus.Publish(context.Background(), received())
	}
	assert.Equal(t, CircuitClosed, cb.States()[TypeEmailReceived])
}

func TestCircuitBreakerReset(t *testing.T) {
	bus, cb := newBreakerBus(1, time.Minute)
	bus.Subscribe(AllEvents, failingHandler("x"))
	ctx := context.Background()
	_ = bus.Publish(ctx, received())
	_ = bus.Publish(ctx, &GraphSubmitted{})
	require.Len(t, cb.States(), 2)

	cb.Reset(TypeEmailReceived)
	assert.Len(t, cb.States(), 1)
	cb.Reset()
	assert.Empty(t, cb.States())
}

func TestLoggingAndMetricsMiddleware(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(NewLoggingMiddleware(logging.NewNop()))
	bus.AddMiddleware(MetricsMiddleware{})
	bus.Subscribe(TypeEmailReceived, failingHandler("x"))
	assert.NoError(t, bus.Publish(context.Background(), received()))
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{&EmailReceived{}, "emails.received"},
		{&GraphSubmitted{}, "graph.submitted"},
		{&ExecutionCompleted{}, "emails.completed"},
		{&ActionCreated{ActionType: "human_review"}, "actions.human_review.created"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, GetMessageType(tt.msg))
			assert.Equal(t, "event", tt.msg.Category())
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(&ActionCreated{ActionID: "a1", ExecutionID: "exec-9", ActionType: "create_task", Confidence: 0.95})

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "actions.create_task.created", env.EventType)
	assert.Equal(t, "mailpipe", env.EventSource)
	assert.Equal(t, "exec-9", env.CorrelationID)

	body, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	data := decoded["event_data"].(map[string]any)
	assert.Equal(t, "a1", data["action_id"])
	assert.Equal(t, 0.95, data["confidence"])
}
