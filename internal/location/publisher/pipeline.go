package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/campustrack/internal/presence"
)

// Update is one presence write issued by a driver session.
type Update struct {
	DriverID    string
	DisplayName string
	Email       string
	Lat         float64
	Lng         float64
	Speed       float64
	Active      bool
	Timestamp   time.Time
}

// Writer persists an update.
type Writer interface {
	Write(ctx context.Context, u Update) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, u Update) error

func (f WriterFunc) Write(ctx context.Context, u Update) error { return f(ctx, u) }

// Outcome is the result of one pipeline write.
type Outcome int

const (
	PrimaryOK Outcome = iota
	FallbackOK
	BothFailed
)

func (o Outcome) String() string {
	switch o {
	case PrimaryOK:
		return "primary_ok"
	case FallbackOK:
		return "fallback_ok"
	default:
		return "both_failed"
	}
}

// Pipeline writes through Primary and falls back to Fallback when it fails.
// Either stage may be nil.
type Pipeline struct {
	Primary  Writer
	Fallback Writer
}

// Write returns the outcome together with any stage errors. A FallbackOK
// outcome still carries the primary error for logging.
func (p Pipeline) Write(ctx context.Context, u Update) (Outcome, error) {
	var primaryErr error
	if p.Primary != nil {
		if primaryErr = p.Primary.Write(ctx, u); primaryErr == nil {
			return PrimaryOK, nil
		}
		primaryErr = fmt.Errorf("primary: %w", primaryErr)
	} else {
		primaryErr = errors.New("primary: not configured")
	}
	if p.Fallback == nil {
		return BothFailed, primaryErr
	}
	if err := p.Fallback.Write(ctx, u); err != nil {
		return BothFailed, errors.Join(primaryErr, fmt.Errorf("fallback: %w", err))
	}
	return FallbackOK, primaryErr
}

// StoreWriter writes straight to the shared document store.
type StoreWriter struct {
	Store presence.Store
}

func (w StoreWriter) Write(ctx context.Context, u Update) error {
	if u.DriverID == "" {
		return errors.New("driver id is required")
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if !u.Active {
		return w.Store.Merge(ctx, u.DriverID, map[string]any{
			presence.FieldDriverID:    u.DriverID,
			presence.FieldIsActive:    false,
			presence.FieldLastUpdated: ts.UTC().Format(time.RFC3339Nano),
		})
	}
	if err := presence.ValidateCoordinates(u.Lat, u.Lng); err != nil {
		return err
	}
	return w.Store.Merge(ctx, u.DriverID, presence.Fields(presence.Record{
		DriverID:    u.DriverID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Latitude:    u.Lat,
		Longitude:   u.Lng,
		Speed:       u.Speed,
		IsActive:    true,
		LastUpdated: ts,
	}))
}
