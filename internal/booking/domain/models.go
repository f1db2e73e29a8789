package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrNotFound          = errors.New("booking not found")
	ErrInvalidBooking    = errors.New("invalid booking")
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusAssigned, StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// CanTransitionTo reports whether next is reachable from s. Assigned may be
// re-entered to hand the booking to another driver.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Booking is a student's request for a campus ride.
type Booking struct {
	ID          uuid.UUID  `json:"id"`
	StudentID   string     `json:"student_id"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	PickupTime  time.Time  `json:"pickup_time"`
	Status      Status     `json:"status"`
	DriverID    string     `json:"driver_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Version     int64      `json:"version"`
}

type EventType string

const (
	EventRequested EventType = "BookingRequested"
	EventAssigned  EventType = "BookingAssigned"
	EventStarted   EventType = "BookingStarted"
	EventCompleted EventType = "BookingCompleted"
	EventCancelled EventType = "BookingCancelled"
)

type Event struct {
	ID        uuid.UUID      `json:"id"`
	BookingID uuid.UUID      `json:"booking_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	StudentID string
	Status    Status
}

type Repository interface {
	Create(ctx context.Context, b Booking) (Booking, error)
	Get(ctx context.Context, id uuid.UUID) (Booking, error)
	Update(ctx context.Context, b Booking) (Booking, error)
	List(ctx context.Context, f Filter) ([]Booking, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, event Event) error

func (f EventPublisherFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
