package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	etasvc "github.com/example/campustrack/internal/eta/service"
	"github.com/example/campustrack/internal/presence"
)

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
	return &HTTP{svc: svc, logger: logger}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register adds the ETA routes to r.
func (h *HTTP) Register(r chi.Router) {
	r.Get("/v1/eta", h.estimate)
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	pickup, ok := parsePoint(r, "pickup_lat", "pickup_lng")
	if !ok {
		http.Error(w, "pickup_lat and pickup_lng must be valid coordinates", http.StatusBadRequest)
		return
	}
	nearest, found, err := h.svc.EstimateDriverETA(r.Context(), pickup)
	if err != nil {
		h.logger.Error("eta lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{}
	if found {
		resp["driver_id"] = nearest.DriverID
		resp["driver_label"] = nearest.Label
		resp["driver_distance_m"] = nearest.Distance
		resp["driver_eta_sec"] = nearest.ETA.Seconds()
	}
	if r.URL.Query().Has("dropoff_lat") {
		dropoff, ok := parsePoint(r, "dropoff_lat", "dropoff_lng")
		if !ok {
			http.Error(w, "dropoff_lat and dropoff_lng must be valid coordinates", http.StatusBadRequest)
			return
		}
		resp["trip_eta_sec"] = h.svc.EstimateTripETA(r.Context(), pickup, dropoff).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePoint(r *http.Request, latKey, lngKey string) (etasvc.GeoPoint, bool) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get(latKey), 64)
	if err != nil {
		return etasvc.GeoPoint{}, false
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get(lngKey), 64)
	if err != nil {
		return etasvc.GeoPoint{}, false
	}
	if presence.ValidateCoordinates(lat, lng) != nil {
		return etasvc.GeoPoint{}, false
	}
	return etasvc.GeoPoint{Lat: lat, Lng: lng}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
