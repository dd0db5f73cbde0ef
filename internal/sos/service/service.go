package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	etaservice "github.com/example/sosdispatch/internal/eta/service"
	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/ledger"
	"github.com/example/sosdispatch/internal/sos/ranking"
)

// Config holds broadcast tunables.
type Config struct {
	SearchRadiusKM float64
	CandidateLimit int
}

// DefaultConfig returns a 5 km search radius paging at most 10 drivers.
func DefaultConfig() Config {
	return Config{SearchRadiusKM: 5, CandidateLimit: 10}
}

// Deps lists the collaborators of the dispatch engine. Repository and
// Registry are required; the rest fall back to in-process defaults.
type Deps struct {
	Repository  domain.Repository
	Idempotency domain.IdempotencyRepository
	Registry    domain.DriverRegistry
	Ranker      *ranking.Ranker
	Estimator   *etaservice.Estimator
	Ledger      ledger.Ledger
	Notifier    domain.Notifier
	Publisher   domain.EventPublisher
	Clock       domain.Clock
	Logger      *zap.Logger
}

// Service is the SOS dispatch engine. It owns the request state machine and
// adjudicates the first acceptance through the ledger.
type Service struct {
	repo      domain.Repository
	idem      domain.IdempotencyRepository
	registry  domain.DriverRegistry
	ranker    *ranking.Ranker
	estimator *etaservice.Estimator
	ledger    ledger.Ledger
	notifier  domain.Notifier
	publisher domain.EventPublisher
	clock     domain.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       Config

	keysMu sync.Mutex
	keys   map[string]*keyLock

	mu     sync.RWMutex
	active map[uuid.UUID]*entry
}

// entry serializes every transition of one request. Ledger releases happen
// while mu is held so they cannot interleave with an accept's status check.
type entry struct {
	mu         sync.Mutex
	req        domain.SOSRequest
	candidates []ranking.Candidate
}

// keyLock serializes creates sharing an idempotency key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey blocks until the caller owns key and returns the release func.
func (s *Service) lockKey(key string) func() {
	s.keysMu.Lock()
	kl, ok := s.keys[key]
	if !ok {
		kl = &keyLock{}
		s.keys[key] = kl
	}
	kl.refs++
	s.keysMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.keysMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.keys, key)
		}
		s.keysMu.Unlock()
	}
}

// New constructs the engine.
func New(deps Deps, cfg Config) *Service {
	if cfg.SearchRadiusKM <= 0 {
		cfg.SearchRadiusKM = DefaultConfig().SearchRadiusKM
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultConfig().CandidateLimit
	}
	s := &Service{
		repo:      deps.Repository,
		idem:      deps.Idempotency,
		registry:  deps.Registry,
		ranker:    deps.Ranker,
		estimator: deps.Estimator,
		ledger:    deps.Ledger,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    deps.Logger,
		tracer:    otel.Tracer("sosdispatch/service"),
		cfg:       cfg,
		active:    make(map[uuid.UUID]*entry),
		keys:      make(map[string]*keyLock),
	}
	if s.ranker == nil {
		s.ranker = ranking.New(ranking.DefaultWeights())
	}
	if s.estimator == nil {
		s.estimator = etaservice.NewEstimator(etaservice.DefaultConfig())
	}
	if s.ledger == nil {
		s.ledger = ledger.NewMemoryLedger()
	}
	if s.clock == nil {
		s.clock = domain.SystemClock{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("dispatch")
	return s
}

// CreateRequest is the inbound payload for a new emergency.
type CreateRequest struct {
	RequesterID uuid.UUID
	Category    domain.Category
	Location    domain.Coordinate
	Channel     domain.Channel
}

func (c CreateRequest) validate() error {
	if c.RequesterID == uuid.Nil {
		return fmt.Errorf("%w: requester id is required", domain.ErrInvalidArgument)
	}
	if !c.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", domain.ErrInvalidArgument, c.Category)
	}
	if !c.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidArgument, c.Channel)
	}
	return c.Location.Validate()
}

// AcceptResult is the outcome of AcceptRequest. HeldBy names the winning
// driver and is not meant to be shown to the losing one.
type AcceptResult struct {
	Granted    bool               `json:"granted"`
	ETAMinutes *int               `json:"eta_minutes,omitempty"`
	Request    *domain.SOSRequest `json:"request,omitempty"`
	HeldBy     uuid.UUID          `json:"-"`
}

// CreateRequest opens a pending request and pages ranked nearby drivers.
// A non-empty key makes the call idempotent.
func (s *Service) CreateRequest(ctx context.Context, key string, in CreateRequest) (domain.SOSRequest, error) {
	ctx, span := s.tracer.Start(ctx, "sos.create")
	defer span.End()

	if err := in.validate(); err != nil {
		return domain.SOSRequest{}, s.fail(span, err)
	}

	var unlock func()
	if key != "" && s.idem != nil {
		unlock = s.lockKey(key)
		id, ok, err := s.idem.GetRequestID(ctx, key)
		if err != nil {
			s.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		}
		if err == nil && ok {
			unlock()
			return s.GetRequest(ctx, id)
		}
	} else {
		unlock = func() {}
	}

	code, err := NewVerificationCode()
	if err != nil {
		unlock()
		return domain.SOSRequest{}, s.fail(span, err)
	}
	req := domain.SOSRequest{
		ID:               uuid.New(),
		RequesterID:      in.RequesterID,
		Category:         in.Category,
		Location:         in.Location,
		Channel:          in.Channel,
		VerificationCode: code,
		Status:           domain.StatusPending,
		CreatedAt:        s.clock.Now(),
		Version:          1,
	}
	span.SetAttributes(attribute.String("sos.request_id", req.ID.String()))

	e := &entry{req: req}
	e.mu.Lock()
	if err := s.persist(ctx, req, domain.EventCreated, fmt.Sprintf("%s request via %s", req.Category, req.Channel), map[string]any{
		"requester_id": req.RequesterID.String(),
	}); err != nil {
		e.mu.Unlock()
		unlock()
		return domain.SOSRequest{}, s.fail(span, fmt.Errorf("create sos request: %w", err))
	}
	s.track(e)
	e.mu.Unlock()

	if key != "" && s.idem != nil {
		if err := s.idem.PutRequestID(ctx, key, req.ID); err != nil {
			s.logger.Warn("store idempotency key failed", zap.Error(err))
		}
	}
	unlock()

	s.broadcast(ctx, e, nil)
	return req.Clone(), nil
}

// AcceptRequest lets a driver claim a pending request. Exactly one concurrent
// caller wins; every other caller gets Granted=false and ErrLockContention.
func (s *Service) AcceptRequest(ctx context.Context, requestID, driverID uuid.UUID) (AcceptResult, error) {
	ctx, span := s.tracer.Start(ctx, "sos.accept", trace.WithAttributes(
		attribute.String("sos.request_id", requestID.String()),
		attribute.String("sos.driver_id", driverID.String()),
	))
	defer span.End()
	start := time.Now()
	defer func() { acceptDuration.Observe(time.Since(start).Seconds()) }()

	if requestID == uuid.Nil || driverID == uuid.Nil {
		return AcceptResult{}, s.fail(span, fmt.Errorf("%w: request and driver ids are required", domain.ErrInvalidArgument))
	}
	e, err := s.entryFor(ctx, requestID)
	if err != nil {
		return AcceptResult{}, s.fail(span, err)
	}
	driver, err := s.registry.Lookup(ctx, driverID)
	if err != nil {
		return AcceptResult{}, s.fail(span, fmt.Errorf("lookup driver: %w", err))
	}

	e.mu.Lock()
	current := e.req.Clone()
	e.mu.Unlock()
	if current.Status.Bound() && current.DriverID != nil {
		if *current.DriverID == driverID {
			// A retried accept from the bound driver returns its assignment.
			return AcceptResult{Granted: true, ETAMinutes: current.ETAMinutes, Request: &current, HeldBy: driverID}, nil
		}
		return s.lost(requestID, driverID, *current.DriverID)
	}
	if current.Status != domain.StatusPending {
		return AcceptResult{}, s.fail(span, invalidTransition(requestID, current.Status, domain.StatusAssigned))
	}

	res, err := s.ledger.TryLock(ctx, requestID, driverID)
	if err != nil {
		lockAttempts.WithLabelValues("error").Inc()
		return AcceptResult{}, s.fail(span, fmt.Errorf("ledger lock: %w", err))
	}
	if !res.Granted {
		return s.lost(requestID, driverID, res.HeldBy)
	}
	lockAttempts.WithLabelValues("granted").Inc()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Status != domain.StatusPending {
		s.releaseHeld(ctx, requestID, driverID)
		return AcceptResult{}, s.fail(span, invalidTransition(requestID, e.req.Status, domain.StatusAssigned))
	}

	now := s.clock.Now()
	eta, err := s.estimator.EstimateAt(driver.Location, e.req.Location, driver.Vehicle, now)
	if err != nil {
		s.releaseHeld(ctx, requestID, driverID)
		return AcceptResult{}, s.fail(span, fmt.Errorf("estimate eta: %w", err))
	}

	next := e.req.Clone()
	next.Status = domain.StatusAssigned
	next.DriverID = &driverID
	next.AssignedAt = &now
	next.ETAMinutes = &eta
	next.Version++
	if err := s.persist(ctx, next, domain.EventAssigned, fmt.Sprintf("driver %s accepted, eta %d min", driverID, eta), map[string]any{
		"driver_id":   driverID.String(),
		"eta_minutes": eta,
	}); err != nil {
		s.releaseHeld(ctx, requestID, driverID)
		return AcceptResult{}, s.fail(span, fmt.Errorf("assign sos request: %w", err))
	}
	e.req = next

	out := next.Clone()
	return AcceptResult{Granted: true, ETAMinutes: &eta, Request: &out, HeldBy: driverID}, nil
}

// ConfirmPickup moves an assigned request to pickup when code matches. A
// wrong code leaves the request untouched so the caller can retry.
func (s *Service) ConfirmPickup(ctx context.Context, requestID uuid.UUID, code string) (domain.SOSRequest, error) {
	ctx, span := s.tracer.Start(ctx, "sos.pickup", trace.WithAttributes(attribute.String("sos.request_id", requestID.String())))
	defer span.End()

	e, err := s.entryFor(ctx, requestID)
	if err != nil {
		return domain.SOSRequest{}, s.fail(span, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Status != domain.StatusAssigned {
		return domain.SOSRequest{}, s.fail(span, invalidTransition(requestID, e.req.Status, domain.StatusPickup))
	}
	if !VerifyCode(e.req.VerificationCode, code) {
		return domain.SOSRequest{}, s.fail(span, fmt.Errorf("%w: request %s", domain.ErrVerificationMismatch, requestID))
	}

	now := s.clock.Now()
	next := e.req.Clone()
	next.Status = domain.StatusPickup
	next.PickedUpAt = &now
	next.Version++
	if err := s.persist(ctx, next, domain.EventPickup, "pickup verified", driverPayload(next)); err != nil {
		return domain.SOSRequest{}, s.fail(span, fmt.Errorf("confirm pickup: %w", err))
	}
	e.req = next
	return next.Clone(), nil
}

// CompleteRequest finishes a ride and frees the ledger entry.
func (s *Service) CompleteRequest(ctx context.Context, requestID uuid.UUID) (domain.SOSRequest, error) {
	ctx, span := s.tracer.Start(ctx, "sos.complete", trace.WithAttributes(attribute.String("sos.request_id", requestID.String())))
	defer span.End()

	e, err := s.entryFor(ctx, requestID)
	if err != nil {
		return domain.SOSRequest{}, s.fail(span, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Status != domain.StatusPickup {
		return domain.SOSRequest{}, s.fail(span, invalidTransition(requestID, e.req.Status, domain.StatusCompleted))
	}

	now := s.clock.Now()
	next := e.req.Clone()
	next.Status = domain.StatusCompleted
	next.CompletedAt = &now
	next.Version++
	if err := s.persist(ctx, next, domain.EventCompleted, "ride completed", driverPayload(next)); err != nil {
		return domain.SOSRequest{}, s.fail(span, fmt.Errorf("complete sos request: %w", err))
	}
	e.req = next
	s.release(ctx, requestID)
	s.untrack(requestID)
	return next.Clone(), nil
}

// CancelRequest cancels a pending or assigned request, releasing any lock.
func (s *Service) CancelRequest(ctx context.Context, requestID uuid.UUID) (domain.SOSRequest, error) {
	ctx, span := s.tracer.Start(ctx, "sos.cancel", trace.WithAttributes(attribute.String("sos.request_id", requestID.String())))
	defer span.End()

	e, err := s.entryFor(ctx, requestID)
	if err != nil {
		return domain.SOSRequest{}, s.fail(span, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.req.Status.CanTransitionTo(domain.StatusCancelled) {
		return domain.SOSRequest{}, s.fail(span, invalidTransition(requestID, e.req.Status, domain.StatusCancelled))
	}

	now := s.clock.Now()
	next := e.req.Clone()
	next.Status = domain.StatusCancelled
	next.CancelledAt = &now
	next.Version++
	if err := s.persist(ctx, next, domain.EventCancelled, fmt.Sprintf("cancelled while %s", e.req.Status), map[string]any{
		"previous_status": string(e.req.Status),
	}); err != nil {
		return domain.SOSRequest{}, s.fail(span, fmt.Errorf("cancel sos request: %w", err))
	}
	e.req = next
	// Pending requests are released too: an accept may hold the lock while
	// it waits for e.mu.
	s.release(ctx, requestID)
	s.untrack(requestID)
	return next.Clone(), nil
}

// ReassignRequest reverts an assigned request to pending, releases the
// current driver and pages the remaining candidates again.
func (s *Service) ReassignRequest(ctx context.Context, requestID uuid.UUID, reason string) (domain.SOSRequest, error) {
	ctx, span := s.tracer.Start(ctx, "sos.reassign", trace.WithAttributes(attribute.String("sos.request_id", requestID.String())))
	defer span.End()

	e, err := s.entryFor(ctx, requestID)
	if err != nil {
		return domain.SOSRequest{}, s.fail(span, err)
	}
	e.mu.Lock()
	if e.req.Status != domain.StatusAssigned {
		status := e.req.Status
		e.mu.Unlock()
		return domain.SOSRequest{}, s.fail(span, invalidTransition(requestID, status, domain.StatusPending))
	}
	var released uuid.UUID
	if e.req.DriverID != nil {
		released = *e.req.DriverID
	}
	if reason == "" {
		reason = "operator override"
	}
	next := e.req.Clone()
	next.Status = domain.StatusPending
	next.DriverID = nil
	next.ETAMinutes = nil
	next.AssignedAt = nil
	next.Version++
	if err := s.persist(ctx, next, domain.EventReassigned, fmt.Sprintf("driver %s released: %s", released, reason), map[string]any{
		"driver_id": released.String(),
		"reason":    reason,
	}); err != nil {
		e.mu.Unlock()
		return domain.SOSRequest{}, s.fail(span, fmt.Errorf("reassign sos request: %w", err))
	}
	e.req = next
	s.release(ctx, requestID)
	e.mu.Unlock()

	s.broadcast(ctx, e, &released)
	return next.Clone(), nil
}

// GetRequest returns the current snapshot of a request.
func (s *Service) GetRequest(ctx context.Context, requestID uuid.UUID) (domain.SOSRequest, error) {
	s.mu.RLock()
	e, ok := s.active[requestID]
	s.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.req.Clone(), nil
	}
	return s.repo.GetRequest(ctx, requestID)
}

// ListActive returns a read-only snapshot of non-terminal requests, oldest
// first.
func (s *Service) ListActive(_ context.Context) ([]domain.SOSRequest, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.active))
	for _, e := range s.active {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]domain.SOSRequest, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.req.Status.Terminal() {
			out = append(out, e.req.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Candidates returns the ranked drivers paged by the latest broadcast.
func (s *Service) Candidates(ctx context.Context, requestID uuid.UUID) ([]ranking.Candidate, error) {
	e, err := s.entryFor(ctx, requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ranking.Candidate(nil), e.candidates...), nil
}

// Restore reloads non-terminal requests from the repository and reconciles
// the ledger so that bound requests hold their driver and pending ones hold
// nothing. It returns the number of restored requests.
func (s *Service) Restore(ctx context.Context) (int, error) {
	reqs, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}
	for _, req := range reqs {
		if err := s.reconcile(ctx, req); err != nil {
			return 0, err
		}
		s.track(&entry{req: req.Clone()})
	}
	s.logger.Info("restored sos requests", zap.Int("count", len(reqs)))
	return len(reqs), nil
}

func (s *Service) reconcile(ctx context.Context, req domain.SOSRequest) error {
	if !req.Status.Bound() || req.DriverID == nil {
		if _, err := s.ledger.Release(ctx, req.ID); err != nil {
			return fmt.Errorf("release stale entry %s: %w", req.ID, err)
		}
		return nil
	}
	res, err := s.ledger.TryLock(ctx, req.ID, *req.DriverID)
	if err != nil {
		return fmt.Errorf("relock %s: %w", req.ID, err)
	}
	if res.Granted || res.HeldBy == *req.DriverID {
		return nil
	}
	s.logger.Warn("ledger holder disagrees with snapshot",
		zap.Stringer("request_id", req.ID),
		zap.Stringer("snapshot_driver", *req.DriverID),
		zap.Stringer("ledger_driver", res.HeldBy))
	if _, err := s.ledger.Release(ctx, req.ID); err != nil {
		return fmt.Errorf("release conflicting entry %s: %w", req.ID, err)
	}
	if _, err := s.ledger.TryLock(ctx, req.ID, *req.DriverID); err != nil {
		return fmt.Errorf("relock %s: %w", req.ID, err)
	}
	return nil
}

// broadcast ranks nearby drivers and pages them, skipping exclude. Registry
// and notifier failures are logged; the request stays pending either way.
func (s *Service) broadcast(ctx context.Context, e *entry, exclude *uuid.UUID) {
	e.mu.Lock()
	req := e.req.Clone()
	e.mu.Unlock()

	drivers, err := s.registry.FetchAvailableDrivers(ctx, req.Location, s.cfg.SearchRadiusKM)
	if err != nil {
		s.logger.Warn("fetch drivers failed", zap.Stringer("request_id", req.ID), zap.Error(err))
		return
	}
	if exclude != nil {
		kept := drivers[:0]
		for _, d := range drivers {
			if d.ID != *exclude {
				kept = append(kept, d)
			}
		}
		drivers = kept
	}
	ranked := s.ranker.Rank(drivers, req.Location)
	if len(ranked) > s.cfg.CandidateLimit {
		ranked = ranked[:s.cfg.CandidateLimit]
	}
	ids := make([]uuid.UUID, len(ranked))
	names := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.Driver.ID
		names[i] = c.Driver.ID.String()
	}

	e.mu.Lock()
	if e.req.Status != domain.StatusPending {
		e.mu.Unlock()
		return
	}
	e.candidates = ranked
	if err := s.persist(ctx, e.req, domain.EventBroadcast, fmt.Sprintf("paged %d drivers", len(ranked)), map[string]any{
		"candidates": names,
	}); err != nil {
		s.logger.Warn("record broadcast failed", zap.Stringer("request_id", req.ID), zap.Error(err))
	}
	e.mu.Unlock()

	if len(ids) == 0 || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ids, req); err != nil {
		s.logger.Warn("notify drivers failed", zap.Stringer("request_id", req.ID), zap.Error(err))
	}
}

// persist stores the snapshot with its event, then publishes the transition.
// Callers hold the entry lock.
func (s *Service) persist(ctx context.Context, req domain.SOSRequest, typ domain.EventType, message string, payload map[string]any) error {
	event := domain.EventLog{
		ID:        uuid.New(),
		RequestID: req.ID,
		Type:      typ,
		Message:   message,
		Payload:   payload,
		Timestamp: s.clock.Now(),
	}
	if err := s.repo.SaveTransition(ctx, req, event); err != nil {
		return fmt.Errorf("save transition: %w", err)
	}
	transitionsTotal.WithLabelValues(string(typ)).Inc()
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, domain.Transition{Request: req.Clone(), Event: event}); err != nil {
			s.logger.Warn("publish transition failed",
				zap.Stringer("request_id", req.ID),
				zap.String("type", string(typ)),
				zap.Error(err))
		}
	}
	return nil
}

// lost reports a contention outcome; it is a normal result, not a span error.
func (s *Service) lost(requestID, driverID, holder uuid.UUID) (AcceptResult, error) {
	lockAttempts.WithLabelValues("contention").Inc()
	s.logger.Info("accept lost lock race",
		zap.Stringer("request_id", requestID),
		zap.Stringer("driver_id", driverID),
		zap.Stringer("held_by", holder))
	return AcceptResult{Granted: false, HeldBy: holder},
		fmt.Errorf("%w: request %s", domain.ErrLockContention, requestID)
}

// release frees the ledger entry of a request whose new state is already
// persisted. A failure is logged and counted; the state change stands.
func (s *Service) release(ctx context.Context, requestID uuid.UUID) {
	if _, err := s.ledger.Release(ctx, requestID); err != nil {
		ledgerReleaseFailures.Inc()
		s.logger.Error("ledger release failed", zap.Stringer("request_id", requestID), zap.Error(err))
	}
}

func (s *Service) releaseHeld(ctx context.Context, requestID, driverID uuid.UUID) {
	if _, err := s.ledger.ReleaseHeld(ctx, requestID, driverID); err != nil {
		s.logger.Error("release held lock failed",
			zap.Stringer("request_id", requestID),
			zap.Stringer("driver_id", driverID),
			zap.Error(err))
	}
}

// entryFor resolves an active request. Terminal requests only live in the
// repository and reject every transition.
func (s *Service) entryFor(ctx context.Context, requestID uuid.UUID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.active[requestID]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load sos request: %w", err)
	}
	return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidTransition, requestID, req.Status)
}

func (s *Service) track(e *entry) {
	s.mu.Lock()
	s.active[e.req.ID] = e
	activeRequests.Set(float64(len(s.active)))
	s.mu.Unlock()
}

func (s *Service) untrack(id uuid.UUID) {
	s.mu.Lock()
	delete(s.active, id)
	activeRequests.Set(float64(len(s.active)))
	s.mu.Unlock()
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func invalidTransition(id uuid.UUID, from, to domain.Status) error {
	return fmt.Errorf("%w: request %s cannot move from %s to %s", domain.ErrInvalidTransition, id, from, to)
}

func driverPayload(req domain.SOSRequest) map[string]any {
	if req.DriverID == nil {
		return nil
	}
	return map[string]any{"driver_id": req.DriverID.String()}
}
