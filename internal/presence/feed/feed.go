// Package feed delivers the live set of active drivers to any number of
// independent subscribers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/presence"
)

var (
	feedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_feed_deliveries_total",
		Help: "Snapshots delivered to live feed subscribers.",
	})
	feedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_feed_errors_total",
		Help: "Query or transport errors reported to live feed subscribers.",
	})
	feedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_feed_dropped_records_total",
		Help: "Active records excluded from snapshots because their coordinates could not be normalized.",
	})
)

var (
	// ErrStreamClosed is reported when the store closes the change stream.
	ErrStreamClosed = errors.New("presence change stream closed")
	// ErrSubscriptionEnded wraps every error after which the subscription
	// delivers nothing more.
	ErrSubscriptionEnded = errors.New("live feed subscription ended")
)

// UpdateFunc receives the full current snapshot of active drivers.
type UpdateFunc func([]presence.Record)

// ErrorFunc receives query and transport failures.
type ErrorFunc func(error)

// Feed opens subscriptions against a presence store.
type Feed struct {
	store  presence.Store
	logger *zap.Logger
}

// New constructs a feed over the store.
func New(store presence.Store, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{store: store, logger: logger}
}

// Subscribe is SubscribeContext with a background context.
func (f *Feed) Subscribe(onUpdate UpdateFunc, onError ErrorFunc) (unsubscribe func()) {
	return f.SubscribeContext(context.Background(), onUpdate, onError)
}

// SubscribeContext opens a subscription to the active set. onUpdate is called
// with the initial snapshot and again after every change; each call replaces
// the previous snapshot. Query errors are passed to onError and the previous
// snapshot stays authoritative. If the change stream itself fails the
// subscription ends after reporting an error wrapping ErrSubscriptionEnded;
// resubscribing is up to the caller. Callbacks run on a goroutine owned by
// the subscription and are never invoked concurrently. The returned function
// is idempotent.
func (f *Feed) SubscribeContext(ctx context.Context, onUpdate UpdateFunc, onError ErrorFunc) (unsubscribe func()) {
	if onUpdate == nil {
		onUpdate = func([]presence.Record) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:       uuid.NewString(),
		store:    f.store,
		logger:   f.logger,
		onUpdate: onUpdate,
		onError:  onError,
		cancel:   cancel,
	}
	sub.logger = f.logger.With(zap.String("subscription_id", sub.id))
	go sub.run(ctx)
	return sub.unsubscribe
}

type subscription struct {
	id       string
	store    presence.Store
	logger   *zap.Logger
	onUpdate UpdateFunc
	onError  ErrorFunc
	cancel   context.CancelFunc
	closed   atomic.Bool
	once     sync.Once
}

func (s *subscription) unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

func (s *subscription) run(ctx context.Context) {
	defer s.unsubscribe()
	stream, err := s.store.Watch(ctx)
	if err != nil {
		s.end(fmt.Errorf("watch active drivers: %w", err))
		return
	}
	defer stream.Close()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-stream.Errors():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err = ErrStreamClosed
			}
			s.end(err)
			return
		case _, ok := <-stream.Changes():
			if !ok {
				if ctx.Err() == nil {
					s.end(ErrStreamClosed)
				}
				return
			}
			s.refresh(ctx)
		}
	}
}

func (s *subscription) refresh(ctx context.Context) {
	docs, err := s.store.QueryActive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(fmt.Errorf("query active drivers: %w", err))
		return
	}
	records, dropped := presence.NormalizeAll(docs)
	if dropped > 0 {
		feedDropped.Add(float64(dropped))
		s.logger.Debug("dropped malformed presence records", zap.Int("dropped", dropped))
	}
	active := make([]presence.Record, 0, len(records))
	for _, rec := range records {
		if rec.IsActive {
			active = append(active, rec)
		}
	}
	if s.closed.Load() {
		return
	}
	feedDeliveries.Inc()
	s.onUpdate(active)
}

func (s *subscription) end(err error) {
	s.fail(fmt.Errorf("%w: %w", ErrSubscriptionEnded, err))
}

func (s *subscription) fail(err error) {
	if s.closed.Load() {
		return
	}
	feedErrors.Inc()
	s.logger.Warn("live feed error", zap.Error(err))
	s.onError(err)
}
