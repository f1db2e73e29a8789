package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/booking/domain"
)

// ErrNotAllowed is returned when the caller does not own the booking.
var ErrNotAllowed = errors.New("booking belongs to someone else")

// Service coordinates booking operations between handlers and repositories.
type Service struct {
	repo       domain.Repository
	events     domain.EventPublisher
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	logger     *zap.Logger
}

// New constructs a Service. events and idem may be nil.
func New(repo domain.Repository, events domain.EventPublisher, clock domain.Clock, idem domain.IdempotencyRepository, logger *zap.Logger) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, events: events, clock: clock, idempotent: idem, logger: logger}
}

// CreateRequest is a student's booking request.
type CreateRequest struct {
	StudentID   string
	Source      string
	Destination string
	PickupTime  time.Time
}

// Create stores a pending booking. A repeated key from the same student
// returns the booking created by the first call.
func (s *Service) Create(ctx context.Context, key string, req CreateRequest) (domain.Booking, error) {
	req.Source = strings.TrimSpace(req.Source)
	req.Destination = strings.TrimSpace(req.Destination)
	switch {
	case req.StudentID == "":
		return domain.Booking{}, fmt.Errorf("%w: student is required", domain.ErrInvalidBooking)
	case req.Source == "" || req.Destination == "":
		return domain.Booking{}, fmt.Errorf("%w: source and destination are required", domain.ErrInvalidBooking)
	case req.PickupTime.IsZero():
		return domain.Booking{}, fmt.Errorf("%w: pickup_time is required", domain.ErrInvalidBooking)
	}

	scoped := ""
	if key != "" && s.idempotent != nil {
		scoped = req.StudentID + ":" + key
		if cached, ok, err := s.idempotent.GetResponse(ctx, scoped); err == nil && ok {
			var id uuid.UUID
			if err := json.Unmarshal(cached, &id); err == nil {
				return s.repo.Get(ctx, id)
			}
		}
	}

	b := domain.Booking{
		ID:          uuid.New(),
		StudentID:   req.StudentID,
		Source:      req.Source,
		Destination: req.Destination,
		PickupTime:  req.PickupTime.UTC(),
		Status:      domain.StatusPending,
		CreatedAt:   s.clock.Now(),
		Version:     1,
	}
	created, err := s.repo.Create(ctx, b)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("create booking: %w", err)
	}
	s.publish(ctx, created.ID, domain.EventRequested, map[string]any{"student_id": created.StudentID})

	if scoped != "" {
		if payload, err := json.Marshal(created.ID); err == nil {
			_ = s.idempotent.PutResponse(ctx, scoped, payload)
		}
	}
	return created, nil
}

// Get retrieves a booking by identifier.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.repo.Get(ctx, id)
}

// ListByStudent returns a student's bookings, newest first.
func (s *Service) ListByStudent(ctx context.Context, studentID string) ([]domain.Booking, error) {
	return s.repo.List(ctx, domain.Filter{StudentID: studentID})
}

// Pending returns bookings waiting for a driver, earliest pickup first.
func (s *Service) Pending(ctx context.Context) ([]domain.Booking, error) {
	pending, err := s.repo.List(ctx, domain.Filter{Status: domain.StatusPending})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].PickupTime.Before(pending[j].PickupTime) })
	return pending, nil
}

// AssignedTo returns bookings handed to a driver that are not finished.
func (s *Service) AssignedTo(ctx context.Context, driverID string) ([]domain.Booking, error) {
	all, err := s.repo.List(ctx, domain.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Booking, 0, len(all))
	for _, b := range all {
		if b.DriverID == driverID && (b.Status == domain.StatusAssigned || b.Status == domain.StatusInProgress) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Assign hands the booking to a driver.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, driverID string) (domain.Booking, error) {
	if strings.TrimSpace(driverID) == "" {
		return domain.Booking{}, fmt.Errorf("%w: driver_id is required", domain.ErrInvalidBooking)
	}
	return s.transition(ctx, id, domain.StatusAssigned, func(b *domain.Booking, now time.Time) error {
		b.DriverID = driverID
		b.AssignedAt = &now
		return nil
	}, domain.EventAssigned, map[string]any{"driver_id": driverID})
}

// Start marks the ride as under way. Only the assigned driver may start it.
func (s *Service) Start(ctx context.Context, id uuid.UUID, driverID string) (domain.Booking, error) {
	return s.transition(ctx, id, domain.StatusInProgress, func(b *domain.Booking, now time.Time) error {
		if b.DriverID != driverID {
			return ErrNotAllowed
		}
		b.StartedAt = &now
		return nil
	}, domain.EventStarted, map[string]any{"driver_id": driverID})
}

// Complete finishes the ride. Only the assigned driver may complete it.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, driverID string) (domain.Booking, error) {
	return s.transition(ctx, id, domain.StatusCompleted, func(b *domain.Booking, now time.Time) error {
		if b.DriverID != driverID {
			return ErrNotAllowed
		}
		b.FinishedAt = &now
		return nil
	}, domain.EventCompleted, map[string]any{"driver_id": driverID})
}

// Cancel withdraws a booking before the ride starts. An empty studentID
// cancels on behalf of an administrator.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, studentID string) (domain.Booking, error) {
	by := "admin"
	if studentID != "" {
		by = "student"
	}
	return s.transition(ctx, id, domain.StatusCancelled, func(b *domain.Booking, now time.Time) error {
		if studentID != "" && b.StudentID != studentID {
			return ErrNotAllowed
		}
		b.CancelledAt = &now
		return nil
	}, domain.EventCancelled, map[string]any{"cancelled_by": by})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, next domain.Status, mutate func(*domain.Booking, time.Time) error, eventType domain.EventType, payload map[string]any) (domain.Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !b.Status.CanTransitionTo(next) {
		return domain.Booking{}, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, b.Status, next)
	}
	if err := mutate(&b, s.clock.Now()); err != nil {
		return domain.Booking{}, err
	}
	b.Status = next
	updated, err := s.repo.Update(ctx, b)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	s.publish(ctx, updated.ID, eventType, payload)
	return updated, nil
}

func (s *Service) publish(ctx context.Context, id uuid.UUID, typ domain.EventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	event := domain.Event{ID: uuid.New(), BookingID: id, Type: typ, Payload: payload, CreatedAt: s.clock.Now()}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("booking event publish failed",
			zap.String("booking_id", id.String()),
			zap.String("event_type", string(typ)),
			zap.Error(err))
	}
}
