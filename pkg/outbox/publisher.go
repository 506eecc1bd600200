package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/evreserve/internal/reservation/domain"
)

// MsgPublisher is the part of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes reservation events to a NATS subject.
type Publisher struct {
	conn    MsgPublisher
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection. A nil
// connection yields a publisher that drops events.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if conn == nil {
		return &Publisher{subject: subject}
	}
	return &Publisher{conn: conn, subject: subject}
}

// NewPublisherWith builds a Publisher on any MsgPublisher.
func NewPublisherWith(conn MsgPublisher, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: payload, Header: map[string][]string{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {string(event.Type)},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// Fanout delivers every event to all publishers and joins their errors.
type Fanout []domain.EventPublisher

// Publish satisfies domain.EventPublisher.
func (f Fanout) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
