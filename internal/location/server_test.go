package location

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/registry"
)

func dialBuf(t *testing.T, srv *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterLocationServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestStreamLocationUpdatesRegistry(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	known := uuid.New()
	require.NoError(t, reg.Upsert(ctx, domain.Driver{
		ID:          known,
		Vehicle:     domain.VehicleMoto,
		Location:    domain.Coordinate{Lat: 35.70, Lng: 51.40},
		TrustScore:  80,
		IsAvailable: true,
	}))
	presence := NewPresence(time.Minute, nil)
	client := dialBuf(t, NewServer(reg, presence, nil))

	stream, err := client.StreamLocation(ctx)
	require.NoError(t, err)
	off := false
	require.NoError(t, stream.Send(&DriverLocation{DriverID: known.String(), Lat: 35.71, Lng: 51.41}))
	require.NoError(t, stream.Send(&DriverLocation{DriverID: "not-a-uuid", Lat: 35.71, Lng: 51.41}))
	require.NoError(t, stream.Send(&DriverLocation{DriverID: known.String(), Lat: 120, Lng: 51.41}))
	require.NoError(t, stream.Send(&DriverLocation{DriverID: uuid.NewString(), Lat: 35.71, Lng: 51.41}))
	require.NoError(t, stream.Send(&DriverLocation{DriverID: known.String(), Lat: 35.72, Lng: 51.42, Available: &off}))

	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	require.Equal(t, Ack{Accepted: 2, Rejected: 3}, *ack)

	d, err := reg.Lookup(ctx, known)
	require.NoError(t, err)
	require.Equal(t, domain.Coordinate{Lat: 35.72, Lng: 51.42}, d.Location)
	require.False(t, d.IsAvailable)
}

func TestStreamLocationKeepsAvailability(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	id := uuid.New()
	require.NoError(t, reg.Upsert(ctx, domain.Driver{ID: id, Vehicle: domain.VehicleCar, TrustScore: 50, IsAvailable: true}))
	client := dialBuf(t, NewServer(reg, nil, nil))

	stream, err := client.StreamLocation(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&DriverLocation{DriverID: id.String(), Lat: 1, Lng: 2}))
	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	require.Equal(t, 1, ack.Accepted)

	d, err := reg.Lookup(ctx, id)
	require.NoError(t, err)
	require.True(t, d.IsAvailable)
}

func TestPresenceReapsSilentDrivers(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	silent, fresh := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{silent, fresh} {
		require.NoError(t, reg.Upsert(ctx, domain.Driver{ID: id, Vehicle: domain.VehicleMoto, TrustScore: 50, IsAvailable: true}))
	}

	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	p := NewPresence(2*time.Minute, nil)
	p.Seen(silent, domain.Coordinate{Lat: 10, Lng: 10}, now.Add(-5*time.Minute))
	p.Seen(fresh, domain.Coordinate{Lat: 11, Lng: 11}, now.Add(-30*time.Second))
	// older reports never rewind the clock
	p.Seen(fresh, domain.Coordinate{Lat: 0, Lng: 0}, now.Add(-time.Hour))

	reaped := p.Reap(ctx, reg, now)
	require.Equal(t, []uuid.UUID{silent}, reaped)

	d, err := reg.Lookup(ctx, silent)
	require.NoError(t, err)
	require.False(t, d.IsAvailable)
	require.Equal(t, domain.Coordinate{Lat: 10, Lng: 10}, d.Location)

	d, err = reg.Lookup(ctx, fresh)
	require.NoError(t, err)
	require.True(t, d.IsAvailable)

	require.Empty(t, p.Reap(ctx, reg, now))
}

// racingRegistry fires onUnavailable the first time a driver is marked
// unavailable, before the write reaches the registry.
type racingRegistry struct {
	*registry.MemoryRegistry
	once          sync.Once
	onUnavailable func()
}

func (r *racingRegistry) UpdateLocation(ctx context.Context, id uuid.UUID, loc domain.Coordinate, available bool) error {
	if !available {
		r.once.Do(r.onUnavailable)
	}
	return r.MemoryRegistry.UpdateLocation(ctx, id, loc, available)
}

func TestPresenceReapKeepsConcurrentReport(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	reg := &racingRegistry{MemoryRegistry: registry.NewMemoryRegistry()}
	require.NoError(t, reg.Upsert(ctx, domain.Driver{ID: id, Vehicle: domain.VehicleCar, TrustScore: 60, IsAvailable: true}))

	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	p := NewPresence(2*time.Minute, nil)
	require.NoError(t, p.Record(ctx, reg, id, domain.Coordinate{Lat: 1, Lng: 1}, true, now.Add(-10*time.Minute)))

	fresh := domain.Coordinate{Lat: 2, Lng: 2}
	reported := make(chan error, 1)
	reg.onUnavailable = func() {
		go func() { reported <- p.Record(ctx, reg, id, fresh, true, now) }()
		// give the report a chance to overtake the reap's write
		time.Sleep(20 * time.Millisecond)
	}

	require.Equal(t, []uuid.UUID{id}, p.Reap(ctx, reg, now))
	require.NoError(t, <-reported)

	d, err := reg.Lookup(ctx, id)
	require.NoError(t, err)
	require.True(t, d.IsAvailable)
	require.Equal(t, fresh, d.Location)
	require.Empty(t, p.Reap(ctx, reg, now))
}
