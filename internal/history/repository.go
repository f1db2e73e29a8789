// Package history persists every presence event as a location history row
// and queues it for relay through the outbox in the same transaction.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/campustrack/internal/outbox"
	"github.com/example/campustrack/internal/presence"
)

// DefaultTopic is the NATS subject presence events are relayed to.
const DefaultTopic = "presence.events"

var schema = []string{`CREATE TABLE IF NOT EXISTS location_history (
	id          BIGSERIAL PRIMARY KEY,
	event_id    TEXT NOT NULL UNIQUE,
	event_type  TEXT NOT NULL,
	driver_id   TEXT NOT NULL,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	speed       DOUBLE PRECISION NOT NULL,
	is_active   BOOLEAN NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS location_history_driver_idx ON location_history (driver_id, recorded_at DESC)`,
}

// Point is one stored history row.
type Point struct {
	EventType  string    `json:"event_type"`
	DriverID   string    `json:"driver_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	IsActive   bool      `json:"is_active"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Repository implements presence.EventSink on top of Postgres.
type Repository struct {
	db     *sql.DB
	topic  string
	tracer trace.Tracer
}

// New constructs a repository. An empty topic uses DefaultTopic.
func New(db *sql.DB, topic string) *Repository {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Repository{db: db, topic: topic, tracer: otel.Tracer("presence.history")}
}

// EnsureSchema creates the history and outbox tables.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range append(append([]string(nil), schema...), outbox.Schema...) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Publish stores the event and its outbox message atomically.
func (r *Repository) Publish(ctx context.Context, event presence.Event) (err error) {
	ctx, span := r.tracer.Start(ctx, "history.append", trace.WithAttributes(
		attribute.String("driver_id", event.Record.DriverID),
		attribute.String("event_type", string(event.Type)),
	))
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	recordedAt := event.Record.LastUpdated
	if recordedAt.IsZero() {
		recordedAt = event.CreatedAt
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			_ = tx.Rollback()
		}
	}()

	rec := event.Record
	_, err = tx.ExecContext(ctx,
		`INSERT INTO location_history (event_id, event_type, driver_id, latitude, longitude, speed, is_active, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, string(event.Type), rec.DriverID, rec.Latitude, rec.Longitude, rec.Speed, rec.IsActive, recordedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if err = outbox.Enqueue(ctx, tx, r.topic, string(event.Type), payload, event.CreatedAt); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// Recent returns up to limit rows for a driver, newest first.
func (r *Repository) Recent(ctx context.Context, driverID string, limit int) ([]Point, error) {
	if driverID == "" {
		return nil, errors.New("driver id is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_type, driver_id, latitude, longitude, speed, is_active, recorded_at FROM location_history WHERE driver_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	points := make([]Point, 0, limit)
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.EventType, &p.DriverID, &p.Latitude, &p.Longitude, &p.Speed, &p.IsActive, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return points, nil
}
