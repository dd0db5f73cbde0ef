// Package config loads service settings: built-in defaults, then an optional
// YAML or JSON file, then SOS_ environment overrides (SOS_REDIS__ADDR sets
// redis.addr).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	etaservice "github.com/example/sosdispatch/internal/eta/service"
	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/ranking"
)

const envPrefix = "SOS_"

type Config struct {
	Debug bool `json:"debug"`
	// TraceSampleRatio below 1 samples root spans.
	TraceSampleRatio float64         `json:"trace_sample_ratio"`
	HTTP             HTTPConfig      `json:"http"`
	GRPC             GRPCConfig      `json:"grpc"`
	Postgres         PostgresConfig  `json:"postgres"`
	Redis            RedisConfig     `json:"redis"`
	NATS             NATSConfig      `json:"nats"`
	Auth             AuthConfig      `json:"auth"`
	RateLimit        RateLimitConfig `json:"ratelimit"`
	Ranking          ranking.Weights `json:"ranking"`
	ETA              ETAConfig       `json:"eta"`
	Dispatch         DispatchConfig  `json:"dispatch"`
	Timeout          TimeoutConfig   `json:"timeout"`
	Outbox           OutboxConfig    `json:"outbox"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

// GRPCConfig serves the driver location stream. Drivers silent for longer
// than PresenceTTL stop receiving offers; zero keeps them available.
type GRPCConfig struct {
	Addr        string        `json:"addr"`
	PresenceTTL time.Duration `json:"presence_ttl"`
}

type PostgresConfig struct {
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
}

// RedisConfig enables the shared ledger and geo registry when Addr is set.
type RedisConfig struct {
	Addr         string        `json:"addr"`
	LedgerPrefix string        `json:"ledger_prefix"`
	LedgerTTL    time.Duration `json:"ledger_ttl"`
	GeoKey       string        `json:"geo_key"`
}

type NATSConfig struct {
	URL          string `json:"url"`
	EventSubject string `json:"event_subject"`
	OfferPrefix  string `json:"offer_prefix"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

type RateLimitConfig struct {
	ReadRPS    float64 `json:"read_rps"`
	ReadBurst  float64 `json:"read_burst"`
	WriteRPS   float64 `json:"write_rps"`
	WriteBurst float64 `json:"write_burst"`
	SOSRPS     float64 `json:"sos_rps"`
	SOSBurst   float64 `json:"sos_burst"`
}

type ETAConfig struct {
	MotoKMH      float64 `json:"moto_kmh"`
	CarKMH       float64 `json:"car_kmh"`
	VolunteerKMH float64 `json:"volunteer_kmh"`
	RushFactor   float64 `json:"rush_factor"`
	NightFactor  float64 `json:"night_factor"`
	NormalFactor float64 `json:"normal_factor"`
	Timezone     string  `json:"timezone"`
}

type DispatchConfig struct {
	SearchRadiusKM float64 `json:"search_radius_km"`
	CandidateLimit int     `json:"candidate_limit"`
}

// TimeoutConfig drives the sweeper. It is off unless Enabled is set.
type TimeoutConfig struct {
	Enabled     bool          `json:"enabled"`
	Interval    time.Duration `json:"interval"`
	PendingTTL  time.Duration `json:"pending_ttl"`
	AssignedTTL time.Duration `json:"assigned_ttl"`
}

type OutboxConfig struct {
	Topic        string        `json:"topic"`
	PollInterval time.Duration `json:"poll_interval"`
	BatchSize    int           `json:"batch_size"`
	RetryMax     int           `json:"retry_max"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	eta := etaservice.DefaultConfig()
	return Config{
		TraceSampleRatio: 1,
		HTTP:             HTTPConfig{Addr: ":8080"},
		GRPC:             GRPCConfig{Addr: ":9090", PresenceTTL: 2 * time.Minute},
		Postgres:         PostgresConfig{MaxOpenConns: 10},
		Redis:            RedisConfig{LedgerPrefix: "sos:lock:", GeoKey: "sos:drivers:geo"},
		NATS:             NATSConfig{EventSubject: "sos.events", OfferPrefix: "sos.offers"},
		RateLimit: RateLimitConfig{
			ReadRPS: 50, ReadBurst: 100,
			WriteRPS: 10, WriteBurst: 20,
			SOSRPS: 2, SOSBurst: 5,
		},
		Ranking: ranking.DefaultWeights(),
		ETA: ETAConfig{
			MotoKMH:      eta.SpeedsKMH[domain.VehicleMoto],
			CarKMH:       eta.SpeedsKMH[domain.VehicleCar],
			VolunteerKMH: eta.SpeedsKMH[domain.VehicleVolunteer],
			RushFactor:   eta.RushFactor,
			NightFactor:  eta.NightFactor,
			NormalFactor: eta.NormalFactor,
			Timezone:     "UTC",
		},
		Dispatch: DispatchConfig{SearchRadiusKM: 5, CandidateLimit: 10},
		Timeout:  TimeoutConfig{Interval: 15 * time.Second, PendingTTL: 10 * time.Minute, AssignedTTL: 20 * time.Minute},
		Outbox:   OutboxConfig{Topic: "sos.events", PollInterval: 200 * time.Millisecond, BatchSize: 100, RetryMax: 3},
	}
}

// Load layers path (may be empty) and the environment over Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	w := c.Ranking
	if w.Distance < 0 || w.Trust < 0 || w.Experience < 0 || w.DecayPerKM < 0 || w.ExperienceCap < 0 {
		errs = append(errs, errors.New("ranking weights must be non-negative"))
	}
	if w.RidesPerPoint <= 0 {
		errs = append(errs, errors.New("ranking.rides_per_point must be positive"))
	}
	if c.ETA.MotoKMH <= 0 || c.ETA.CarKMH <= 0 || c.ETA.VolunteerKMH <= 0 {
		errs = append(errs, errors.New("eta speeds must be positive"))
	}
	if c.ETA.RushFactor < 0 || c.ETA.NightFactor < 0 || c.ETA.NormalFactor < 0 {
		errs = append(errs, errors.New("eta traffic factors must be non-negative"))
	}
	if _, err := time.LoadLocation(c.ETA.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("eta.timezone: %w", err))
	}
	if c.Dispatch.SearchRadiusKM <= 0 {
		errs = append(errs, errors.New("dispatch.search_radius_km must be positive"))
	}
	if c.Dispatch.CandidateLimit <= 0 {
		errs = append(errs, errors.New("dispatch.candidate_limit must be positive"))
	}
	if c.Timeout.Enabled && c.Timeout.Interval <= 0 {
		errs = append(errs, errors.New("timeout.interval must be positive when enabled"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("trace_sample_ratio must be within 0..1"))
	}
	if c.GRPC.PresenceTTL < 0 {
		errs = append(errs, errors.New("grpc.presence_ttl must not be negative"))
	}
	if c.Redis.LedgerTTL < 0 {
		errs = append(errs, errors.New("redis.ledger_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// Estimator converts the eta section for the estimator.
func (c ETAConfig) Estimator() (etaservice.Config, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return etaservice.Config{}, fmt.Errorf("eta.timezone: %w", err)
	}
	return etaservice.Config{
		SpeedsKMH: map[domain.VehicleClass]float64{
			domain.VehicleMoto:      c.MotoKMH,
			domain.VehicleCar:       c.CarKMH,
			domain.VehicleVolunteer: c.VolunteerKMH,
		},
		RushFactor:   c.RushFactor,
		NightFactor:  c.NightFactor,
		NormalFactor: c.NormalFactor,
		Location:     loc,
	}, nil
}
