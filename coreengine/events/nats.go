package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jeeves-cluster-organization/mailpipe/commbus"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
)

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge forwards every bus event to NATS as a JSON envelope. The
// subject is the event type with dots replaced by underscores, under an
// optional prefix: "actions.create_task.created" becomes
// "<prefix>.actions_create_task_created".
type NATSBridge struct {
	pub    Publisher
	prefix string
	logger logging.Logger
}

// NewNATSBridge creates a bridge publishing through pub.
func NewNATSBridge(pub Publisher, prefix string, logger logging.Logger) *NATSBridge {
	return &NATSBridge{pub: pub, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the NATS subject for eventType.
func (b *NATSBridge) Subject(eventType string) string {
	suffix := strings.ReplaceAll(eventType, ".", "_")
	if b.prefix == "" {
		return suffix
	}
	return b.prefix + "." + suffix
}

// Forward publishes msg. It is a commbus.HandlerFunc.
func (b *NATSBridge) Forward(ctx context.Context, msg commbus.Message) error {
	env := commbus.NewEnvelope(msg)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.EventType, err)
	}
	subject := b.Subject(env.EventType)
	if err := b.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.logger.Debug("event_forwarded", "subject", subject, "event_id", env.ID)
	return nil
}

// Attach subscribes the bridge to every event on bus.
func (b *NATSBridge) Attach(bus commbus.CommBus) func() {
	return bus.Subscribe(commbus.AllEvents, b.Forward)
}

// ConnectNATS dials url with reconnects enabled. Connection state changes
// are logged.
func ConnectNATS(url string, logger logging.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailpipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats_disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

var _ Publisher = (*nats.Conn)(nil)
