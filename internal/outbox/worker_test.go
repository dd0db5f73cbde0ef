package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/repository"
)

func TestBuildMsgRoutesByEventType(t *testing.T) {
	reqID := uuid.New()
	msg, typ := buildMsg(record{ID: 7, Topic: "sos.events", Payload: []byte(`{"type":"assigned","request_id":"` + reqID.String() + `"}`)})
	require.Equal(t, "assigned", typ)
	require.Equal(t, "sos.events.assigned", msg.Subject)
	require.Equal(t, reqID.String(), msg.Header.Get("x-request-id"))
	require.Equal(t, "outbox-7", msg.Header.Get("Nats-Msg-Id"))

	msg, typ = buildMsg(record{ID: 8, Topic: "audit", Payload: []byte(`not json`)})
	require.Equal(t, "unknown", typ)
	require.Equal(t, "audit", msg.Subject)
}

func TestWorkerRelaysRepositoryEvents(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx, startPostgres(t, ctx))
	repo := repository.NewPostgresRepository(db, "sos.events")
	require.NoError(t, repo.Migrate(ctx))

	event := domain.EventLog{ID: uuid.New(), RequestID: uuid.New(), Type: domain.EventAssigned, Message: "assigned", Timestamp: time.Now().UTC()}
	require.NoError(t, repo.AppendEvent(ctx, event))

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("sos.events.>", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected outbox message")
	case msg := <-msgCh:
		require.Equal(t, "sos.events.assigned", msg.Subject)
		require.Equal(t, event.RequestID.String(), msg.Header.Get("x-request-id"))
	}

	require.Eventually(t, func() bool { return unpublished(t, ctx, db) == 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx, startPostgres(t, ctx))
	repo := repository.NewPostgresRepository(db, "sos.events")
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.AppendEvent(ctx, domain.EventLog{ID: uuid.New(), RequestID: uuid.New(), Type: domain.EventCancelled, Timestamp: time.Now().UTC()}))

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("sos.events.cancelled", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	worker := NewWorker(db, &flakyPublisher{base: nc, failFor: 3}, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 5, RetryMax: 5})
	n, err := worker.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case <-time.After(5 * time.Second):
		t.Fatal("expected retry publish")
	case <-msgCh:
	}
	require.Zero(t, unpublished(t, ctx, db))
}

func TestWorkerKeepsRowsWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx, startPostgres(t, ctx))
	repo := repository.NewPostgresRepository(db, "sos.events")
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.AppendEvent(ctx, domain.EventLog{ID: uuid.New(), RequestID: uuid.New(), Type: domain.EventCreated, Timestamp: time.Now().UTC()}))

	worker := NewWorker(db, &flakyPublisher{failFor: 100}, zap.NewNop(), WorkerConfig{RetryMax: 2})
	_, err := worker.Flush(ctx)
	require.Error(t, err)
	require.Equal(t, 1, unpublished(t, ctx, db))
}

func TestWorkerMarksRowsBeforeFailure(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx, startPostgres(t, ctx))
	repo := repository.NewPostgresRepository(db, "sos.events")
	require.NoError(t, repo.Migrate(ctx))
	for _, typ := range []domain.EventType{domain.EventCreated, domain.EventAssigned, domain.EventCompleted} {
		require.NoError(t, repo.AppendEvent(ctx, domain.EventLog{ID: uuid.New(), RequestID: uuid.New(), Type: typ, Timestamp: time.Now().UTC()}))
	}

	pub := &cutoffPublisher{allow: 1}
	worker := NewWorker(db, pub, zap.NewNop(), WorkerConfig{RetryMax: 1, BatchSize: 10})
	n, err := worker.Flush(ctx)
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, unpublished(t, ctx, db))
	require.Equal(t, []string{"sos.events.created"}, pub.subjects)
}

type cutoffPublisher struct {
	allow    int
	subjects []string
}

func (c *cutoffPublisher) PublishMsg(msg *nats.Msg) error {
	if len(c.subjects) >= c.allow {
		return errors.New("broker unavailable")
	}
	c.subjects = append(c.subjects, msg.Subject)
	return nil
}

type flakyPublisher struct {
	base    *nats.Conn
	failFor int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func requireContainers(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

func startPostgres(t *testing.T, ctx context.Context) *postgrescontainer.PostgresContainer {
	requireContainers(t)
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("sos"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	return pg
}

func openDB(t *testing.T, ctx context.Context, pg *postgrescontainer.PostgresContainer) *sql.DB {
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func unpublished(t *testing.T, ctx context.Context, db *sql.DB) int {
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE published = false`).Scan(&n))
	return n
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	requireContainers(t)
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}
