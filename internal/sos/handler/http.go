package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/sosdispatch/internal/auth"
	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/service"
)

const defaultNearbyRadiusKM = 5.0

// Options configures the router. An empty JWTSecret disables authentication
// and identities are then read from the request body.
type Options struct {
	JWTSecret string
	Limiter   func(http.Handler) http.Handler
	Logger    *zap.Logger
}

// Registry is the driver registry as seen by operators.
type Registry interface {
	domain.DriverRegistry
	Upsert(ctx context.Context, d domain.Driver) error
}

// HTTP exposes SOS endpoints.
type HTTP struct {
	svc      *service.Service
	registry Registry
	opts     Options
	logger   *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, registry Registry, opts Options) *HTTP {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, registry: registry, opts: opts, logger: logger.Named("http")}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	h.group(r, []string{auth.RoleCitizen, auth.RoleOperator}, func(r chi.Router) {
		r.Post("/v1/sos", h.createRequest)
		r.Post("/v1/sos/{id}/cancel", h.cancelRequest)
	})
	h.group(r, []string{auth.RoleDriver}, func(r chi.Router) {
		r.Post("/v1/sos/{id}/accept", h.acceptRequest)
		r.Post("/v1/sos/{id}/pickup", h.confirmPickup)
	})
	h.group(r, []string{auth.RoleDriver, auth.RoleOperator}, func(r chi.Router) {
		r.Get("/v1/sos", h.listActive)
		r.Post("/v1/sos/{id}/complete", h.completeRequest)
		r.Get("/v1/drivers/nearby", h.nearbyDrivers)
	})
	h.group(r, []string{auth.RoleOperator}, func(r chi.Router) {
		r.Post("/v1/sos/{id}/reassign", h.reassignRequest)
		r.Get("/v1/sos/{id}/candidates", h.candidates)
		r.Put("/v1/drivers/{id}", h.upsertDriver)
	})
	h.group(r, nil, func(r chi.Router) {
		r.Get("/v1/sos/{id}", h.getRequest)
	})
	return r
}

func (h *HTTP) group(r chi.Router, roles []string, routes func(chi.Router)) {
	r.Group(func(g chi.Router) {
		g.Use(auth.Middleware(h.opts.JWTSecret, roles...))
		if h.opts.Limiter != nil {
			g.Use(h.opts.Limiter)
		}
		routes(g)
	})
}

type createSOSRequest struct {
	RequesterID string            `json:"requester_id"`
	Category    domain.Category   `json:"category"`
	Location    domain.Coordinate `json:"location"`
	Channel     domain.Channel    `json:"channel"`
}

func (h *HTTP) createRequest(w http.ResponseWriter, r *http.Request) {
	var payload createSOSRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if payload.Channel == "" {
		payload.Channel = domain.ChannelApp
	}
	requesterID, err := h.identity(r, payload.RequesterID, auth.RoleCitizen)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid requester_id")
		return
	}

	req, err := h.svc.CreateRequest(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateRequest{
		RequesterID: requesterID,
		Category:    payload.Category,
		Location:    payload.Location,
		Channel:     payload.Channel,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	// The requester reads the code out to the driver at pickup.
	writeJSON(w, http.StatusCreated, req)
}

func (h *HTTP) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(req))
}

func (h *HTTP) listActive(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.svc.ListActive(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	for i := range reqs {
		reqs[i] = redact(reqs[i])
	}
	writeJSON(w, http.StatusOK, reqs)
}

type acceptSOSRequest struct {
	DriverID string `json:"driver_id"`
}

func (h *HTTP) acceptRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload acceptSOSRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	driverID, err := h.identity(r, payload.DriverID, auth.RoleDriver)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid driver_id")
		return
	}

	res, err := h.svc.AcceptRequest(r.Context(), id, driverID)
	if errors.Is(err, domain.ErrLockContention) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"granted": false,
			"error":   "this emergency was already claimed by another responder",
		})
		return
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if res.Request != nil {
		redacted := redact(*res.Request)
		res.Request = &redacted
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) confirmPickup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !h.ownsRide(w, r, id) {
		return
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	req, err := h.svc.ConfirmPickup(r.Context(), id, payload.Code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(req))
}

func (h *HTTP) completeRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !h.ownsRide(w, r, id) {
		return
	}
	req, err := h.svc.CompleteRequest(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(req))
}

func (h *HTTP) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Role == auth.RoleCitizen {
		current, err := h.svc.GetRequest(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		if subject, err := claims.SubjectID(); err != nil || subject != current.RequesterID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	req, err := h.svc.CancelRequest(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(req))
}

func (h *HTTP) reassignRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	req, err := h.svc.ReassignRequest(r.Context(), id, payload.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(req))
}

func (h *HTTP) candidates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Candidates(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *HTTP) nearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := defaultNearbyRadiusKM
	if raw := q.Get("radius"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid radius")
			return
		}
		radius = parsed
	}
	drivers, err := h.registry.FetchAvailableDrivers(r.Context(), domain.Coordinate{Lat: lat, Lng: lng}, radius)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	available := drivers[:0]
	for _, d := range drivers {
		if d.IsAvailable {
			available = append(available, d)
		}
	}
	writeJSON(w, http.StatusOK, available)
}

func (h *HTTP) upsertDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var d domain.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	d.ID = id
	if err := h.registry.Upsert(r.Context(), d); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// identity returns the caller id from the token subject, or from fallback
// when the caller is an operator or authentication is disabled.
// ownsRide rejects a driver token whose subject is not the driver bound to
// the request. Other roles pass through.
func (h *HTTP) ownsRide(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.Role != auth.RoleDriver {
		return true
	}
	current, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return false
	}
	subject, err := claims.SubjectID()
	if err != nil || current.DriverID == nil || *current.DriverID != subject {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (h *HTTP) identity(r *http.Request, fallback, role string) (uuid.UUID, error) {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Role == role {
		return claims.SubjectID()
	}
	return uuid.Parse(fallback)
}

func (h *HTTP) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrLockContention):
		return http.StatusConflict
	case errors.Is(err, domain.ErrVerificationMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func redact(req domain.SOSRequest) domain.SOSRequest {
	req.VerificationCode = ""
	return req
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
