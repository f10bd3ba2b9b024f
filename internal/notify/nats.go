package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// publisher is the part of *nats.Conn the notifier needs.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// natsConnect is a variable to allow injecting a fake connection in tests.
var natsConnect = func(url string) (publisher, error) {
	return nats.Connect(url, nats.Name("feedrelay"))
}

type natsNotifier struct {
	conn   publisher
	prefix string
	logger *slog.Logger
}

// NewNATSNotifier publishes each event as JSON on "<prefix>.<kind>" using
// core NATS publish. Publish only buffers the message, so it never blocks on
// the network.
func NewNATSNotifier(url, prefix string, logger *slog.Logger) (Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := natsConnect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &natsNotifier{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "notify.nats"),
	}, nil
}

func (n *natsNotifier) subject(kind Kind) string {
	if n.prefix == "" {
		return string(kind)
	}
	return n.prefix + "." + string(kind)
}

func (n *natsNotifier) Notify(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	subject := n.subject(evt.Kind)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (n *natsNotifier) Close() error {
	return n.conn.Drain()
}
