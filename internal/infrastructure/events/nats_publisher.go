package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"

	"scanhub/internal/bootstrap/config"
	"scanhub/internal/errs"
	"scanhub/internal/ports"
)

// NATSPublisher pushes job state-change events onto one subject. Consumers
// (notification, statistics) subscribe on their own; a failed publish is the
// caller's problem to log, never to fail a state transition over.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

var _ ports.EventPublisher = (*NATSPublisher)(nil)

func NewNATSPublisher(cfg config.EventsConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("events url is required")
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("scanhub"))
	if err != nil {
		return nil, errs.Wrap(err, "connect event broker")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "scanhub.job.events"
	}

	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) PublishJobEvent(ctx context.Context, event ports.JobEvent) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return errs.Wrap(err, "marshal job event")
	}

	if err := p.conn.Publish(p.subject, raw); err != nil {
		return errs.Wrap(err, "publish job event")
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// NoopPublisher is used when no event broker is configured.
type NoopPublisher struct{}

var _ ports.EventPublisher = NoopPublisher{}

func (NoopPublisher) PublishJobEvent(context.Context, ports.JobEvent) error { return nil }

func (NoopPublisher) Close() {}
