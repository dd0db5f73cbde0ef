package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/repository"
)

func openPostgres(t *testing.T) (*sql.DB, *repository.PostgresRepository) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("sos"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pg.Terminate(ctx)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))

	repo := repository.NewPostgresRepository(db, "")
	require.NoError(t, repo.Migrate(ctx))
	return db, repo
}

func TestPostgresRepositoryRoundTrip(t *testing.T) {
	db, repo := openPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	driver := uuid.New()
	eta := 7
	req := domain.SOSRequest{
		ID:               uuid.New(),
		RequesterID:      uuid.New(),
		Category:         domain.CategoryMaternity,
		Location:         domain.Coordinate{Lat: -1.9536, Lng: 30.0606},
		Channel:          domain.ChannelUSSD,
		VerificationCode: "4821",
		Status:           domain.StatusAssigned,
		DriverID:         &driver,
		ETAMinutes:       &eta,
		CreatedAt:        now,
		AssignedAt:       &now,
		Version:          2,
	}
	require.NoError(t, repo.SaveRequest(ctx, req))
	require.NoError(t, repo.AppendEvent(ctx, domain.EventLog{ID: uuid.New(), RequestID: req.ID, Type: domain.EventAssigned, Message: "assigned", Timestamp: now}))

	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, req.VerificationCode, got.VerificationCode)
	require.Equal(t, driver, *got.DriverID)
	require.True(t, req.CreatedAt.Equal(got.CreatedAt))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	req.Status = domain.StatusCancelled
	require.NoError(t, repo.SaveRequest(ctx, req))
	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	var pending int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE published = false`).Scan(&pending))
	require.Equal(t, 1, pending)

	_, err = repo.GetRequest(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresSaveTransitionIsAtomic(t *testing.T) {
	db, repo := openPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	req := domain.SOSRequest{
		ID:               uuid.New(),
		RequesterID:      uuid.New(),
		Category:         domain.CategoryMedical,
		Location:         domain.Coordinate{Lat: -1.95, Lng: 30.06},
		Channel:          domain.ChannelApp,
		VerificationCode: "1234",
		Status:           domain.StatusPending,
		CreatedAt:        now,
		Version:          1,
	}
	created := domain.EventLog{ID: uuid.New(), RequestID: req.ID, Type: domain.EventCreated, Message: "created", Timestamp: now}
	require.NoError(t, repo.SaveTransition(ctx, req, created))

	// Reusing the event id makes the event insert fail after the snapshot upsert.
	driver := uuid.New()
	assigned := req.Clone()
	assigned.Status = domain.StatusAssigned
	assigned.DriverID = &driver
	assigned.Version = 2
	require.Error(t, repo.SaveTransition(ctx, assigned, created))

	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.Nil(t, got.DriverID)

	var events, outbox int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM sos_events WHERE request_id = $1`, req.ID).Scan(&events))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox`).Scan(&outbox))
	require.Equal(t, 1, events)
	require.Equal(t, 1, outbox)
}
