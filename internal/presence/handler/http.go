package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/auth"
	"github.com/example/campustrack/internal/presence"
	"github.com/example/campustrack/internal/presence/feed"
	"github.com/example/campustrack/internal/presence/service"
)

// HTTP exposes the driver location API, admin fleet views and the live
// websocket feed.
type HTTP struct {
	svc    *service.Service
	feed   *feed.Feed
	secret string
	logger *zap.Logger
}

// New constructs a handler.
func New(svc *service.Service, f *feed.Feed, jwtSecret string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, feed: f, secret: jwtSecret, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	h.Register(r)
	return r
}

// Register adds the presence routes to r.
func (h *HTTP) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RoleDriver))
		r.Post("/driver/location/update/", h.updateLocation)
		r.Post("/driver/location/stop/", h.stopSharing)
	})

	// Legacy unauthenticated variant kept for older kiosk clients.
	r.Get("/driver/location/", h.listActive)
	r.Post("/driver/location/", h.legacyEcho)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RoleAdmin))
		r.Get("/admin/drivers/active", h.listActive)
		r.Get("/admin/drivers/stats", h.stats)
	})

	r.With(auth.Middleware(h.secret)).Get("/ws/drivers", h.driversSocket)
}

type locationRequest struct {
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Speed float64  `json:"speed"`
}

func (h *HTTP) updateLocation(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var payload locationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Lat == nil || payload.Lng == nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	rec, err := h.svc.UpdateLocation(r.Context(), who, service.LocationUpdate{
		Lat:   *payload.Lat,
		Lng:   *payload.Lng,
		Speed: payload.Speed,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTP) stopSharing(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if err := h.svc.Deactivate(r.Context(), who); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) listActive(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.svc.Active(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "count": len(drivers)})
}

func (h *HTTP) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type legacyRequest struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// legacyEcho acknowledges a location without persisting it.
func (h *HTTP) legacyEcho(w http.ResponseWriter, r *http.Request) {
	var payload legacyRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := presence.ValidateCoordinates(payload.Lat, payload.Lng); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"driverId":  payload.DriverID,
		"latitude":  payload.Lat,
		"longitude": payload.Lng,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, presence.ErrInvalidCoordinates), errors.Is(err, service.ErrInvalidSpeed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, presence.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("presence request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func identity(r *http.Request) (service.Identity, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return service.Identity{}, false
	}
	return service.Identity{
		DriverID:    claims.UserID(),
		DisplayName: claims.Name,
		Email:       claims.Email,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
