package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("experience-pool"))
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Close drains and closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// Subject returns the subject an event of kind is published to.
func Subject(base string, kind PoolEventKind) string {
	return base + "." + string(kind)
}

// PublishPoolEvent publishes the event to the subject of its kind
func (n *NATSPublisher) PublishPoolEvent(ctx context.Context, event PoolEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := Subject(n.subject, event.Kind)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish pool event")
		return err
	}

	n.logger.Debug().
		Str("pool", event.Pool).
		Str("kind", string(event.Kind)).
		Str("subject", subject).
		Msg("Published pool event")

	return nil
}
