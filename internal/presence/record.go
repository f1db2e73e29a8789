package presence

import (
	"context"
	"errors"
	"time"
)

// Canonical field names of a presence document.
const (
	FieldDriverID    = "driverId"
	FieldDisplayName = "displayName"
	FieldEmail       = "email"
	FieldLatitude    = "latitude"
	FieldLongitude   = "longitude"
	FieldSpeed       = "speed"
	FieldIsActive    = "isActive"
	FieldLastUpdated = "lastUpdated"
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrNotFound           = errors.New("presence record not found")
)

// Record is the canonical per-driver presence record.
type Record struct {
	DriverID    string    `json:"driverId"`
	DisplayName string    `json:"displayName,omitempty"`
	Email       string    `json:"email,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Speed       float64   `json:"speed"`
	IsActive    bool      `json:"isActive"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Label is the human readable marker label for the driver.
func (r Record) Label() string {
	switch {
	case r.DisplayName != "":
		return r.DisplayName
	case r.Email != "":
		return r.Email
	default:
		return "Driver " + r.DriverID
	}
}

// Document is a presence document as stored, before normalization. Writers
// from different client versions disagree on field names, so Data is kept
// untyped until it crosses the feed boundary.
type Document struct {
	ID   string
	Data map[string]any
}

// Store is the shared document store holding one document per driver.
type Store interface {
	// Merge upserts data into the document with the given id, keeping
	// fields that are not mentioned.
	Merge(ctx context.Context, id string, data map[string]any) error
	Get(ctx context.Context, id string) (Document, bool, error)
	All(ctx context.Context) ([]Document, error)
	// QueryActive returns documents whose isActive field is true.
	QueryActive(ctx context.Context) ([]Document, error)
	// Watch opens a change notification stream. Notifications carry no
	// payload: subscribers re-read the active set on every change.
	Watch(ctx context.Context) (ChangeStream, error)
}

// ChangeStream delivers coalesced change notifications until closed.
type ChangeStream interface {
	Changes() <-chan struct{}
	Errors() <-chan error
	Close() error
}

// EventType names a presence event.
type EventType string

const (
	EventLocationUpdated EventType = "DriverLocationUpdated"
	EventWentOffline     EventType = "DriverWentOffline"
)

// Event is emitted after a presence record is written.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Record    Record    `json:"record"`
	CreatedAt time.Time `json:"created_at"`
}

// EventSink receives presence events.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
