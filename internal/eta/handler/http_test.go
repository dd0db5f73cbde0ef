package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/sosdispatch/internal/eta/handler"
	etasvc "github.com/example/sosdispatch/internal/eta/service"
	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/registry"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newServer(t *testing.T, drivers ...domain.Driver) *httptest.Server {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	for _, d := range drivers {
		require.NoError(t, reg.Upsert(context.Background(), d))
	}
	svc := etasvc.New(reg, etasvc.NewEstimator(etasvc.DefaultConfig()), fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	srv := httptest.NewServer(handler.New(svc, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestEstimateReturnsFastestDriver(t *testing.T) {
	moto := domain.Driver{ID: uuid.New(), Vehicle: domain.VehicleMoto, Location: domain.Coordinate{Lat: 35.7010, Lng: 51.4000}, TrustScore: 50, IsAvailable: true}
	car := domain.Driver{ID: uuid.New(), Vehicle: domain.VehicleCar, Location: domain.Coordinate{Lat: 35.7005, Lng: 51.4000}, TrustScore: 50, IsAvailable: true}
	srv := newServer(t, moto, car)

	resp, err := http.Get(srv.URL + "/v1/eta?lat=35.70&lng=51.40")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var quote etasvc.Quote
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quote))
	require.NotEqual(t, uuid.Nil, quote.DriverID)
	require.GreaterOrEqual(t, quote.Minutes, 1)
}

func TestEstimateErrors(t *testing.T) {
	srv := newServer(t)
	cases := map[string]int{
		"/v1/eta":                            http.StatusBadRequest,
		"/v1/eta?lat=abc&lng=51.4":           http.StatusBadRequest,
		"/v1/eta?lat=95&lng=51.4":            http.StatusBadRequest,
		"/v1/eta?lat=35.7&lng=51.4&radius=0": http.StatusBadRequest,
		"/v1/eta?lat=35.7&lng=51.4":          http.StatusNotFound,
	}
	for path, want := range cases {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, want, resp.StatusCode, path)
	}
}
