package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/repository"
)

func TestMemoryRepositoryListActiveSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	base := time.Unix(1_700_000_000, 0).UTC()

	older := domain.SOSRequest{ID: uuid.New(), Status: domain.StatusAssigned, CreatedAt: base}
	newer := domain.SOSRequest{ID: uuid.New(), Status: domain.StatusPending, CreatedAt: base.Add(time.Minute)}
	done := domain.SOSRequest{ID: uuid.New(), Status: domain.StatusCompleted, CreatedAt: base.Add(-time.Minute)}
	for _, r := range []domain.SOSRequest{newer, done, older} {
		require.NoError(t, repo.SaveRequest(ctx, r))
	}

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, older.ID, active[0].ID)
	require.Equal(t, newer.ID, active[1].ID)

	got, err := repo.GetRequest(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	_, err = repo.GetRequest(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryStoresCopies(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	driver := uuid.New()
	req := domain.SOSRequest{ID: uuid.New(), Status: domain.StatusAssigned, DriverID: &driver}
	require.NoError(t, repo.SaveRequest(ctx, req))

	*req.DriverID = uuid.New()
	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, driver, *got.DriverID)
}

func TestMemoryIdempotencyFirstBindingWins(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryIdempotencyRepo()
	first := uuid.New()

	_, ok, err := repo.GetRequestID(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutRequestID(ctx, "k", first))
	require.NoError(t, repo.PutRequestID(ctx, "k", uuid.New()))

	id, ok, err := repo.GetRequestID(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, id)
}

func TestMemoryRepositorySaveTransitionStoresBoth(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	req := domain.SOSRequest{ID: uuid.New(), Status: domain.StatusPending}
	event := domain.EventLog{ID: uuid.New(), RequestID: req.ID, Type: domain.EventCreated}
	require.NoError(t, repo.SaveTransition(ctx, req, event))

	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.Equal(t, []domain.EventLog{event}, repo.EventsFor(req.ID))
}
