package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/sosdispatch/internal/sos/domain"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (r *recorder) PublishMsg(msg *nats.Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestPublisherSubjectAndHeaders(t *testing.T) {
	rec := &recorder{}
	p := NewPublisher(rec, "")
	req := domain.SOSRequest{ID: uuid.New(), Status: domain.StatusAssigned}
	tr := domain.Transition{Request: req, Event: domain.EventLog{ID: uuid.New(), RequestID: req.ID, Type: domain.EventAssigned}}

	require.NoError(t, p.Publish(context.Background(), tr))
	require.Len(t, rec.msgs, 1)
	msg := rec.msgs[0]
	require.Equal(t, "sos.events.assigned", msg.Subject)
	require.Equal(t, "assigned", msg.Header.Get("x-event-type"))
	require.Equal(t, req.ID.String(), msg.Header.Get("x-request-id"))

	var got domain.Transition
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, domain.StatusAssigned, got.Request.Status)
}

func TestNilConnIsNoop(t *testing.T) {
	require.NoError(t, NewPublisher(nil, "x").Publish(context.Background(), domain.Transition{}))
	require.NoError(t, NewNotifier(nil, "").Notify(context.Background(), []uuid.UUID{uuid.New()}, domain.SOSRequest{}))
}

func TestNotifierPagesEveryDriverWithoutCode(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec, "")
	a, b := uuid.New(), uuid.New()
	req := domain.SOSRequest{ID: uuid.New(), Category: domain.CategoryInjury, VerificationCode: "4821"}

	require.NoError(t, n.Notify(context.Background(), []uuid.UUID{a, b}, req))
	require.Len(t, rec.msgs, 2)
	ranks := map[string]int{}
	for _, msg := range rec.msgs {
		require.NotContains(t, string(msg.Data), "4821")
		var offer Offer
		require.NoError(t, json.Unmarshal(msg.Data, &offer))
		require.Equal(t, req.ID, offer.RequestID)
		ranks[msg.Subject] = offer.Rank
	}
	require.Equal(t, map[string]int{"sos.offers." + a.String(): 1, "sos.offers." + b.String(): 2}, ranks)
}

func TestNotifierReportsFailure(t *testing.T) {
	rec := &recorder{err: errors.New("disconnected")}
	err := NewNotifier(rec, "").Notify(context.Background(), []uuid.UUID{uuid.New()}, domain.SOSRequest{})
	require.ErrorContains(t, err, "disconnected")
}
