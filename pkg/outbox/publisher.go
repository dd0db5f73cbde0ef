package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/sosdispatch/internal/sos/domain"
)

// MsgPublisher is the subset of *nats.Conn used here.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes SOS transitions to NATS under <subject>.<event type>.
type Publisher struct {
	conn    MsgPublisher
	subject string
}

// NewPublisher builds a Publisher. A nil conn turns Publish into a no-op.
func NewPublisher(conn MsgPublisher, subject string) *Publisher {
	if subject == "" {
		subject = "sos.events"
	}
	return &Publisher{conn: conn, subject: subject}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, transition domain.Transition) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(transition)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	msg := nats.NewMsg(p.subject + "." + string(transition.Event.Type))
	msg.Data = payload
	msg.Header.Set("x-trace-id", traceIDFromContext(ctx))
	msg.Header.Set("x-event-type", string(transition.Event.Type))
	msg.Header.Set("x-request-id", transition.Request.ID.String())
	return p.conn.PublishMsg(msg)
}

// Offer is what a paged driver receives.
type Offer struct {
	RequestID uuid.UUID         `json:"request_id"`
	Category  domain.Category   `json:"category"`
	Location  domain.Coordinate `json:"location"`
	Rank      int               `json:"rank"`
}

// NewOffers builds one offer per driver in paging order. The verification
// code never leaves the engine through an offer.
func NewOffers(driverIDs []uuid.UUID, req domain.SOSRequest) map[uuid.UUID]Offer {
	out := make(map[uuid.UUID]Offer, len(driverIDs))
	for i, id := range driverIDs {
		out[id] = Offer{RequestID: req.ID, Category: req.Category, Location: req.Location, Rank: i + 1}
	}
	return out
}

// Notifier pages drivers on <prefix>.<driver id>.
type Notifier struct {
	conn   MsgPublisher
	prefix string
}

// NewNotifier builds a Notifier. A nil conn turns Notify into a no-op.
func NewNotifier(conn MsgPublisher, prefix string) *Notifier {
	if prefix == "" {
		prefix = "sos.offers"
	}
	return &Notifier{conn: conn, prefix: prefix}
}

// Notify satisfies domain.Notifier. It publishes to every driver and
// returns the first failure.
func (n *Notifier) Notify(ctx context.Context, driverIDs []uuid.UUID, req domain.SOSRequest) error {
	if n == nil || n.conn == nil {
		return nil
	}
	var firstErr error
	for id, offer := range NewOffers(driverIDs, req) {
		payload, err := json.Marshal(offer)
		if err != nil {
			return fmt.Errorf("marshal offer: %w", err)
		}
		msg := nats.NewMsg(n.prefix + "." + id.String())
		msg.Data = payload
		msg.Header.Set("x-trace-id", traceIDFromContext(ctx))
		if err := n.conn.PublishMsg(msg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("offer to %s: %w", id, err)
		}
	}
	return firstErr
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
