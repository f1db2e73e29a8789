package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/auth"
	"github.com/example/campustrack/internal/booking/domain"
	"github.com/example/campustrack/internal/booking/service"
)

// HTTP exposes student, driver and admin booking endpoints.
type HTTP struct {
	svc    *service.Service
	secret string
	logger *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, jwtSecret string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, secret: jwtSecret, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	h.Register(r)
	return r
}

// Register adds the booking routes to r.
func (h *HTTP) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RoleStudent))
		r.Post("/student/booking/create/", h.create)
		r.Get("/student/bookings/", h.listOwn)
		r.Post("/student/bookings/{id}/cancel", h.cancelOwn)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RoleDriver))
		r.Get("/driver/bookings/", h.listAssigned)
		r.Post("/driver/bookings/{id}/start", h.start)
		r.Post("/driver/bookings/{id}/complete", h.complete)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RoleAdmin))
		r.Get("/admin/bookings/pending/", h.listPending)
		r.Get("/admin/bookings/{id}", h.get)
		r.Post("/admin/bookings/{id}/assign", h.assign)
		r.Post("/admin/bookings/{id}/cancel", h.cancelAny)
	})
}

type createRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	PickupTime  string `json:"pickup_time"`
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var payload createRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Source == "" || payload.Destination == "" || payload.PickupTime == "" {
		http.Error(w, "missing required fields: source, destination, pickup_time", http.StatusBadRequest)
		return
	}
	pickup, err := parsePickupTime(payload.PickupTime)
	if err != nil {
		http.Error(w, "invalid pickup_time format, use ISO 8601", http.StatusBadRequest)
		return
	}
	b, err := h.svc.Create(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateRequest{
		StudentID:   callerID(r),
		Source:      payload.Source,
		Destination: payload.Destination,
		PickupTime:  pickup,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "booking created", "booking": b})
}

func (h *HTTP) listOwn(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.svc.ListByStudent(r.Context(), callerID(r))
	h.writeList(w, bookings, err)
}

func (h *HTTP) listAssigned(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.svc.AssignedTo(r.Context(), callerID(r))
	h.writeList(w, bookings, err)
}

func (h *HTTP) listPending(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.svc.Pending(r.Context())
	h.writeList(w, bookings, err)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), id)
	h.writeBooking(w, b, err)
}

func (h *HTTP) assign(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var payload struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := h.svc.Assign(r.Context(), id, payload.DriverID)
	h.writeBooking(w, b, err)
}

func (h *HTTP) start(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Start(r.Context(), id, callerID(r))
	h.writeBooking(w, b, err)
}

func (h *HTTP) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Complete(r.Context(), id, callerID(r))
	h.writeBooking(w, b, err)
}

func (h *HTTP) cancelOwn(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Cancel(r.Context(), id, callerID(r))
	h.writeBooking(w, b, err)
}

func (h *HTTP) cancelAny(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Cancel(r.Context(), id, "")
	h.writeBooking(w, b, err)
}

func (h *HTTP) writeList(w http.ResponseWriter, bookings []domain.Booking, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings, "count": len(bookings)})
}

func (h *HTTP) writeBooking(w http.ResponseWriter, b domain.Booking, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidBooking):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrNotAllowed):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("booking request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var pickupLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"}

// parsePickupTime accepts RFC 3339 timestamps and zone-less local forms,
// which are read as UTC.
func parsePickupTime(v string) (time.Time, error) {
	var err error
	for _, layout := range pickupLayouts {
		var t time.Time
		if t, err = time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

func bookingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func callerID(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.UserID()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
