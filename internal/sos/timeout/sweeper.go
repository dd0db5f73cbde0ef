// Package timeout drives the cancel and reassign primitives on a schedule.
// The engine never runs timers itself; this collaborator owns that policy.
package timeout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/sosdispatch/internal/sos/domain"
)

var timeoutActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sos_timeout_actions_total",
	Help: "Requests cancelled or reassigned by the timeout sweeper.",
}, []string{"action"})

// Engine is the subset of the dispatch engine the sweeper drives.
type Engine interface {
	ListActive(ctx context.Context) ([]domain.SOSRequest, error)
	CancelRequest(ctx context.Context, id uuid.UUID) (domain.SOSRequest, error)
	ReassignRequest(ctx context.Context, id uuid.UUID, reason string) (domain.SOSRequest, error)
}

// Config sets the sweep cadence. A zero TTL disables that rule.
type Config struct {
	Interval    time.Duration
	PendingTTL  time.Duration
	AssignedTTL time.Duration
}

// Result counts the actions taken by one sweep.
type Result struct {
	Cancelled  int
	Reassigned int
}

type Sweeper struct {
	engine Engine
	clock  domain.Clock
	cfg    Config
	logger *zap.Logger
}

func New(engine Engine, clock domain.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{engine: engine, clock: clock, cfg: cfg, logger: logger.Named("timeout")}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep cancels stale pending requests and reassigns stale assignments.
// Requests that moved on concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	active, err := s.engine.ListActive(ctx)
	if err != nil {
		return res, err
	}
	now := s.clock.Now()
	for _, req := range active {
		switch {
		case req.Status == domain.StatusPending && s.cfg.PendingTTL > 0 && now.Sub(req.CreatedAt) >= s.cfg.PendingTTL:
			if s.apply(ctx, req, "cancel", func() error {
				_, err := s.engine.CancelRequest(ctx, req.ID)
				return err
			}) {
				res.Cancelled++
			}
		case req.Status == domain.StatusAssigned && s.cfg.AssignedTTL > 0 && req.AssignedAt != nil && now.Sub(*req.AssignedAt) >= s.cfg.AssignedTTL:
			if s.apply(ctx, req, "reassign", func() error {
				_, err := s.engine.ReassignRequest(ctx, req.ID, "no pickup within "+s.cfg.AssignedTTL.String())
				return err
			}) {
				res.Reassigned++
			}
		}
	}
	return res, nil
}

func (s *Sweeper) apply(ctx context.Context, req domain.SOSRequest, action string, fn func() error) bool {
	err := fn()
	switch {
	case err == nil:
		timeoutActions.WithLabelValues(action).Inc()
		s.logger.Info("timeout applied", zap.String("action", action), zap.Stringer("request_id", req.ID))
		return true
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		return false
	default:
		s.logger.Warn("timeout action failed", zap.String("action", action), zap.Stringer("request_id", req.ID), zap.Error(err))
		return false
	}
}
