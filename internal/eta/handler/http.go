package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	etasvc "github.com/example/sosdispatch/internal/eta/service"
	"github.com/example/sosdispatch/internal/sos/domain"
)

const defaultRadiusKM = 5.0

// HTTP exposes the /v1/eta endpoint.
type HTTP struct {
	svc    *etasvc.Service
	logger *zap.Logger
}

// New creates the handler.
func New(svc *etasvc.Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, logger: logger.Named("eta")}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/eta", h.estimate)
	return r
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	lat, errLat := parseQueryFloat(r, "lat")
	lng, errLng := parseQueryFloat(r, "lng")
	if errLat != nil || errLng != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lat and lng are required"})
		return
	}
	radius := defaultRadiusKM
	if r.URL.Query().Has("radius") {
		v, err := parseQueryFloat(r, "radius")
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid radius"})
			return
		}
		radius = v
	}

	quote, err := h.svc.EstimateDriverETA(r.Context(), domain.Coordinate{Lat: lat, Lng: lng}, radius)
	if errors.Is(err, domain.ErrInvalidArgument) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("estimate failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if quote == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no available driver in range"})
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func parseQueryFloat(r *http.Request, key string) (float64, error) {
	return strconv.ParseFloat(r.URL.Query().Get(key), 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
