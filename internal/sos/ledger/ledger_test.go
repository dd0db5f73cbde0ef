package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/sosdispatch/internal/sos/ledger"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func ledgers(t *testing.T) map[string]ledger.Ledger {
	client, _ := newRedisClient(t)
	return map[string]ledger.Ledger{
		"memory": ledger.NewMemoryLedger(),
		"redis":  ledger.NewRedisLedger(client, "", 0),
	}
}

func TestLedgerLockReleaseRelock(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			requestID := uuid.New()
			first := uuid.New()
			second := uuid.New()

			locked, err := l.IsLocked(ctx, requestID)
			require.NoError(t, err)
			require.False(t, locked)

			res, err := l.TryLock(ctx, requestID, first)
			require.NoError(t, err)
			require.True(t, res.Granted)
			require.Equal(t, first, res.HeldBy)

			res, err = l.TryLock(ctx, requestID, second)
			require.NoError(t, err)
			require.False(t, res.Granted)
			require.Equal(t, first, res.HeldBy)

			holder, ok, err := l.Holder(ctx, requestID)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, first, holder)

			released, err := l.Release(ctx, requestID)
			require.NoError(t, err)
			require.True(t, released)

			released, err = l.Release(ctx, requestID)
			require.NoError(t, err)
			require.False(t, released, "release is idempotent")

			_, ok, err = l.Holder(ctx, requestID)
			require.NoError(t, err)
			require.False(t, ok)

			res, err = l.TryLock(ctx, requestID, second)
			require.NoError(t, err)
			require.True(t, res.Granted, "lock is reusable after release")
			require.Equal(t, second, res.HeldBy)
		})
	}
}

func TestLedgerReleaseHeldOnlyForHolder(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			requestID := uuid.New()
			holder := uuid.New()

			_, err := l.TryLock(ctx, requestID, holder)
			require.NoError(t, err)

			released, err := l.ReleaseHeld(ctx, requestID, uuid.New())
			require.NoError(t, err)
			require.False(t, released)

			locked, err := l.IsLocked(ctx, requestID)
			require.NoError(t, err)
			require.True(t, locked)

			released, err = l.ReleaseHeld(ctx, requestID, holder)
			require.NoError(t, err)
			require.True(t, released)

			locked, err = l.IsLocked(ctx, requestID)
			require.NoError(t, err)
			require.False(t, locked)
		})
	}
}

func TestLedgerConcurrentTryLockSingleWinner(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const contenders = 32
			for round := 0; round < 10; round++ {
				requestID := uuid.New()
				drivers := make([]uuid.UUID, contenders)
				for i := range drivers {
					drivers[i] = uuid.New()
				}

				results := make([]ledger.LockResult, contenders)
				start := make(chan struct{})
				var wg sync.WaitGroup
				for i := range drivers {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						<-start
						res, err := l.TryLock(ctx, requestID, drivers[i])
						require.NoError(t, err)
						results[i] = res
					}(i)
				}
				close(start)
				wg.Wait()

				var winner uuid.UUID
				granted := 0
				for i, res := range results {
					if res.Granted {
						granted++
						winner = drivers[i]
					}
				}
				require.Equal(t, 1, granted)
				for _, res := range results {
					require.Equal(t, winner, res.HeldBy)
				}
				holder, ok, err := l.Holder(ctx, requestID)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, winner, holder)
			}
		})
	}
}

func TestRedisLedgerTTLExpiry(t *testing.T) {
	client, mr := newRedisClient(t)
	l := ledger.NewRedisLedger(client, "test:", 100*time.Millisecond)
	ctx := context.Background()
	requestID := uuid.New()

	res, err := l.TryLock(ctx, requestID, uuid.New())
	require.NoError(t, err)
	require.True(t, res.Granted)

	mr.FastForward(120 * time.Millisecond)

	res, err = l.TryLock(ctx, requestID, uuid.New())
	require.NoError(t, err)
	require.True(t, res.Granted)
}
