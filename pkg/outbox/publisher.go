// Package outbox publishes domain events straight to NATS when no database
// outbox is configured.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	bookingdomain "github.com/example/campustrack/internal/booking/domain"
	"github.com/example/campustrack/internal/presence"
)

// MsgPublisher is the subset of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes JSON events to a NATS subject.
type Publisher struct {
	conn    MsgPublisher
	subject string
}

// NewPublisher builds a Publisher. A nil conn turns every publish into a
// no-op.
func NewPublisher(conn MsgPublisher, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Publish satisfies presence.EventSink.
func (p *Publisher) Publish(ctx context.Context, event presence.Event) error {
	return p.Send(ctx, string(event.Type), event)
}

// Bookings adapts the publisher to booking events.
func (p *Publisher) Bookings() bookingdomain.EventPublisher {
	return bookingdomain.EventPublisherFunc(func(ctx context.Context, event bookingdomain.Event) error {
		return p.Send(ctx, string(event.Type), event)
	})
}

// Send marshals v and publishes it with event type and trace headers.
func (p *Publisher) Send(ctx context.Context, eventType string, v any) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {eventType},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
