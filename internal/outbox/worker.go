// Package outbox relays rows of the transactional outbox table to NATS.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	outboxPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_total",
		Help: "Total number of successfully published outbox messages.",
	})
	outboxFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_fail_total",
		Help: "Total number of outbox publish failures after exhausting retries.",
	})
	outboxLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_lag_seconds",
		Help: "Age of the oldest relayed outbox row in seconds.",
	})
)

// Schema holds the statements that create the outbox table.
var Schema = []string{`CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published  BOOLEAN NOT NULL DEFAULT false
)`,
	`CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (id) WHERE published = false`,
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue appends a message to the outbox. Call it inside the transaction
// that writes the state the message describes.
func Enqueue(ctx context.Context, tx Execer, topic, eventType string, payload []byte, createdAt time.Time) error {
	if topic == "" {
		return errors.New("outbox message missing topic")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (topic, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		topic, eventType, payload, createdAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// WorkerConfig defines tunables for the relay worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	// Backoff is the base delay between publish attempts; attempt n waits
	// n*n*Backoff.
	Backoff time.Duration
}

// MsgPublisher is the subset of *nats.Conn the worker needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker loads unpublished rows, publishes them and marks them published in
// the same transaction. Rows are delivered at least once.
type Worker struct {
	db        *sql.DB
	publisher MsgPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a relay worker.
func NewWorker(db *sql.DB, publisher MsgPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:        db,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("presence.outbox.worker"),
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type message struct {
	ID        int64
	Topic     string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// ProcessOnce relays one batch and returns how many rows were published.
// A row that cannot be published rolls the whole batch back.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()
	messages, tx, err := w.loadPending(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(messages) == 0 {
		return 0, tx.Commit()
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(messages)))

	ids := make([]int64, 0, len(messages))
	maxLag := 0.0
	for _, msg := range messages {
		if err := w.publishWithRetry(ctx, msg); err != nil {
			_ = tx.Rollback()
			span.RecordError(err)
			return 0, err
		}
		ids = append(ids, msg.ID)
		outboxPublishTotal.Inc()
		if lag := time.Since(msg.CreatedAt).Seconds(); lag > maxLag {
			maxLag = lag
		}
	}
	outboxLagSeconds.Set(maxLag)
	if err := w.markPublished(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox: %w", err)
	}
	return len(ids), nil
}

func (w *Worker) loadPending(ctx context.Context) ([]message, *sql.Tx, error) {
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, topic, event_type, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var messages []message
	for rows.Next() {
		var msg message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.EventType, &msg.Payload, &msg.CreatedAt); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return nil, nil, fmt.Errorf("scan outbox: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return messages, tx, nil
}

func (w *Worker) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE outbox SET published = true WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, row message) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(attribute.String("outbox.topic", row.Topic)))
	defer span.End()
	if row.Topic == "" {
		return fmt.Errorf("outbox row %d missing topic", row.ID)
	}
	msg := nats.NewMsg(row.Topic)
	msg.Data = row.Payload
	msg.Header.Set("x-event-type", row.EventType)
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	var attempt int
	for {
		attempt++
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", row.ID))
		if attempt >= w.cfg.RetryMax {
			outboxFailTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", row.ID, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * w.cfg.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
