package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/presence"
)

var activeDrivers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "presence_active_drivers",
	Help: "Active drivers observed by the most recent stats query.",
})

// ErrInvalidSpeed rejects negative or non-finite speeds.
var ErrInvalidSpeed = errors.New("invalid speed")

// Identity is the authenticated caller as reported by the identity provider.
type Identity struct {
	DriverID    string
	DisplayName string
	Email       string
}

// LocationUpdate is the body of a driver location write.
type LocationUpdate struct {
	Lat   float64
	Lng   float64
	Speed float64
}

// Stats summarises fleet presence for dashboards.
type Stats struct {
	Active int `json:"active"`
	Total  int `json:"total"`
	Stale  int `json:"stale"`
}

// Config tunes the service.
type Config struct {
	// StaleAfter marks active records older than this as stale in Stats.
	// It is informational only; stale records stay active.
	StaleAfter time.Duration
}

// Service writes presence records on behalf of authenticated drivers.
type Service struct {
	store  presence.Store
	events presence.EventSink
	clock  presence.Clock
	logger *zap.Logger
	cfg    Config
	tracer trace.Tracer
}

// New constructs the service. events may be nil.
func New(store presence.Store, events presence.EventSink, clock presence.Clock, logger *zap.Logger, cfg Config) *Service {
	if clock == nil {
		clock = presence.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	return &Service{
		store:  store,
		events: events,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("presence.service"),
	}
}

// UpdateLocation upserts the caller's own record and marks it active.
func (s *Service) UpdateLocation(ctx context.Context, who Identity, upd LocationUpdate) (presence.Record, error) {
	ctx, span := s.tracer.Start(ctx, "presence.update_location", trace.WithAttributes(attribute.String("driver_id", who.DriverID)))
	defer span.End()

	if who.DriverID == "" {
		return presence.Record{}, errors.New("driver identity is required")
	}
	if err := presence.ValidateCoordinates(upd.Lat, upd.Lng); err != nil {
		return presence.Record{}, err
	}
	if math.IsNaN(upd.Speed) || math.IsInf(upd.Speed, 0) || upd.Speed < 0 {
		return presence.Record{}, fmt.Errorf("%w: %v", ErrInvalidSpeed, upd.Speed)
	}

	rec := presence.Record{
		DriverID:    who.DriverID,
		DisplayName: who.DisplayName,
		Email:       who.Email,
		Latitude:    upd.Lat,
		Longitude:   upd.Lng,
		Speed:       upd.Speed,
		IsActive:    true,
		LastUpdated: s.clock.Now(),
	}
	if err := s.store.Merge(ctx, who.DriverID, presence.Fields(rec)); err != nil {
		span.RecordError(err)
		return presence.Record{}, fmt.Errorf("upsert presence: %w", err)
	}
	s.emit(ctx, presence.EventLocationUpdated, rec)
	return rec, nil
}

// Deactivate flags the caller's record inactive. The record is kept.
func (s *Service) Deactivate(ctx context.Context, who Identity) error {
	ctx, span := s.tracer.Start(ctx, "presence.deactivate", trace.WithAttributes(attribute.String("driver_id", who.DriverID)))
	defer span.End()

	if who.DriverID == "" {
		return errors.New("driver identity is required")
	}
	now := s.clock.Now()
	err := s.store.Merge(ctx, who.DriverID, map[string]any{
		presence.FieldDriverID:    who.DriverID,
		presence.FieldIsActive:    false,
		presence.FieldLastUpdated: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deactivate presence: %w", err)
	}

	rec := presence.Record{DriverID: who.DriverID, DisplayName: who.DisplayName, Email: who.Email, LastUpdated: now}
	if doc, ok, err := s.store.Get(ctx, who.DriverID); err == nil && ok {
		if existing, err := presence.Normalize(doc); err == nil {
			rec = existing
		}
	}
	s.emit(ctx, presence.EventWentOffline, rec)
	return nil
}

// Get returns the normalized record of one driver.
func (s *Service) Get(ctx context.Context, driverID string) (presence.Record, error) {
	doc, ok, err := s.store.Get(ctx, driverID)
	if err != nil {
		return presence.Record{}, fmt.Errorf("get presence: %w", err)
	}
	if !ok {
		return presence.Record{}, presence.ErrNotFound
	}
	return presence.Normalize(doc)
}

// Active returns a one-shot snapshot of active drivers.
func (s *Service) Active(ctx context.Context) ([]presence.Record, error) {
	docs, err := s.store.QueryActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("query active: %w", err)
	}
	records, _ := presence.NormalizeAll(docs)
	active := make([]presence.Record, 0, len(records))
	for _, rec := range records {
		if rec.IsActive {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Stats counts known, active and stale drivers.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list presence: %w", err)
	}
	active, err := s.Active(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := s.clock.Now()
	stats := Stats{Total: len(all), Active: len(active)}
	for _, rec := range active {
		if !rec.LastUpdated.IsZero() && now.Sub(rec.LastUpdated) > s.cfg.StaleAfter {
			stats.Stale++
		}
	}
	activeDrivers.Set(float64(stats.Active))
	return stats, nil
}

func (s *Service) emit(ctx context.Context, typ presence.EventType, rec presence.Record) {
	if s.events == nil {
		return
	}
	event := presence.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Record:    rec,
		CreatedAt: s.clock.Now(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("presence event publish failed",
			zap.String("driver_id", rec.DriverID),
			zap.String("event_type", string(typ)),
			zap.Error(err))
	}
}
