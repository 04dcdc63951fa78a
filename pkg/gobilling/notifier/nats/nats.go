// Package nats publishes billing notifications to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const defaultSubjectPrefix = "billing.notifications"

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Config configures the notifier.
type Config struct {
	// SubjectPrefix is prepended to the notification type (default: billing.notifications)
	SubjectPrefix string

	// Logger is used for structured logging (default: gobilling.NoopLogger)
	Logger gobilling.Logger
}

// Notifier implements gobilling.Notifier. Each notification is published as
// JSON on <prefix>.<type>, e.g. billing.notifications.payment_failed.
type Notifier struct {
	pub    Publisher
	prefix string
	logger gobilling.Logger
}

// New creates a notifier over an existing connection.
func New(pub Publisher, config Config) (*Notifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("nats publisher is required")
	}
	n := &Notifier{
		pub:    pub,
		prefix: strings.TrimSuffix(strings.TrimSpace(config.SubjectPrefix), "."),
		logger: config.Logger,
	}
	if n.prefix == "" {
		n.prefix = defaultSubjectPrefix
	}
	if n.logger == nil {
		n.logger = &gobilling.NoopLogger{}
	}
	return n, nil
}

// Connect dials url and returns a notifier that owns the connection.
// Close it with Close.
func Connect(url string, config Config, opts ...nats.Option) (*Notifier, *nats.Conn, error) {
	opts = append([]nats.Option{nats.Name("gobilling-notifier")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	n, err := New(nc, config)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return n, nc, nil
}

// Subject returns the subject a notification type is published on.
func (n *Notifier) Subject(t gobilling.NotificationType) string {
	return n.prefix + "." + string(t)
}

func (n *Notifier) Notify(ctx context.Context, note gobilling.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := nats.NewMsg(n.Subject(note.Type))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if note.UserID != "" {
		msg.Header.Set("Billing-User-Id", note.UserID)
	}
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	n.logger.Debug("notification published",
		gobilling.Field{Key: "subject", Value: msg.Subject},
		gobilling.Field{Key: "user_id", Value: note.UserID},
	)
	return nil
}
