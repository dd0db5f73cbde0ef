package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/sosdispatch/internal/sos/domain"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 0.5, cfg.Ranking.Distance)
	require.Equal(t, 25.0, cfg.ETA.MotoKMH)
	require.False(t, cfg.Timeout.Enabled)
	require.Equal(t, 2*time.Minute, cfg.GRPC.PresenceTTL)
	require.Equal(t, 5.0, cfg.Dispatch.SearchRadiusKM)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sos.yaml")
	data := `http:
  addr: ":9000"
redis:
  addr: "localhost:6379"
  ledger_ttl: 2h
ranking:
  trust: 0.6
  distance: 0.3
eta:
  timezone: "Africa/Kigali"
  rush_factor: 1.7
timeout:
  enabled: true
  pending_ttl: 5m
dispatch:
  candidate_limit: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("SOS_HTTP__ADDR", ":9100")
	t.Setenv("SOS_DISPATCH__SEARCH_RADIUS_KM", "7.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.HTTP.Addr)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 2*time.Hour, cfg.Redis.LedgerTTL)
	require.Equal(t, 0.6, cfg.Ranking.Trust)
	require.Equal(t, 0.3, cfg.Ranking.Distance)
	require.Equal(t, 0.1, cfg.Ranking.Experience)
	require.True(t, cfg.Timeout.Enabled)
	require.Equal(t, 5*time.Minute, cfg.Timeout.PendingTTL)
	require.Equal(t, 20*time.Minute, cfg.Timeout.AssignedTTL)
	require.Equal(t, 3, cfg.Dispatch.CandidateLimit)
	require.Equal(t, 7.5, cfg.Dispatch.SearchRadiusKM)

	est, err := cfg.ETA.Estimator()
	require.NoError(t, err)
	require.Equal(t, "Africa/Kigali", est.Location.String())
	require.Equal(t, 1.7, est.RushFactor)
	require.Equal(t, 20.0, est.SpeedsKMH[domain.VehicleCar])
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sos.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ranking":{"trust":-1},"eta":{"car_kmh":0},"dispatch":{"candidate_limit":0}}`), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "ranking weights")
	require.ErrorContains(t, err, "eta speeds")
	require.ErrorContains(t, err, "candidate_limit")

	_, err = Load(filepath.Join(t.TempDir(), "sos.toml"))
	require.ErrorContains(t, err, "unsupported config format")
}
