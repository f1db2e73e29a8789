// Package publisher moves the latest location sample of a driver into the
// shared store on a fixed cadence.
package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/location/sampler"
)

// DefaultInterval is the publish cadence. It is coarser than the
// rate at which positioning sources report fixes.
const DefaultInterval = 7 * time.Second

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_publish_total",
		Help: "Publish ticks by pipeline outcome.",
	}, []string{"outcome"})
	publishSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_publish_skipped_total",
		Help: "Publish ticks skipped, by reason.",
	}, []string{"reason"})
)

var ErrRunning = errors.New("publisher already running")

// Identity is the driver the publisher writes for.
type Identity struct {
	DriverID    string
	DisplayName string
	Email       string
}

// Config tunes the publish loop.
type Config struct {
	Interval time.Duration
	// WriteTimeout bounds each write, primary and fallback together.
	WriteTimeout time.Duration
}

// Publisher owns the publish loop of one driver.
type Publisher struct {
	pipeline Pipeline
	who      Identity
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	latest  *sampler.Sample
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New constructs a publisher.
func New(pipeline Pipeline, who Identity, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		pipeline: pipeline,
		who:      who,
		cfg:      cfg,
		logger:   logger.With(zap.String("driver_id", who.DriverID)),
		tracer:   otel.Tracer("location.publisher"),
	}
}

// Offer replaces the retained sample. Only the most recent one is kept.
func (p *Publisher) Offer(s sampler.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = &s
}

// Latest returns the retained sample.
func (p *Publisher) Latest() (sampler.Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return sampler.Sample{}, false
	}
	return *p.latest, true
}

// Start launches the publish loop. The loop runs until Stop or ctx ends.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true
	go p.loop(ctx, p.done)
	return nil
}

// Run is Start followed by waiting for the loop to end.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done
	return nil
}

// Stop ends the loop, waits for an in-flight write, then issues one best
// effort write marking the driver inactive. The returned error is that of the
// final write; nothing is retried.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel, done := p.cancel, p.done
	p.latest = nil
	p.mu.Unlock()

	cancel()
	<-done

	ctx, cancelWrite := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancelWrite()
	outcome, err := p.pipeline.Write(ctx, Update{
		DriverID:    p.who.DriverID,
		DisplayName: p.who.DisplayName,
		Email:       p.who.Email,
		Active:      false,
		Timestamp:   time.Now(),
	})
	publishTotal.WithLabelValues(outcome.String()).Inc()
	if outcome == BothFailed {
		p.logger.Warn("inactive write failed", zap.Error(err))
		return err
	}
	return nil
}

func (p *Publisher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
			// A tick that fired during the write is dropped rather than
			// queued behind it.
			select {
			case <-ticker.C:
				publishSkipped.WithLabelValues("in_flight").Inc()
			default:
			}
		}
	}
}

func (p *Publisher) tick(ctx context.Context) {
	sample, ok := p.Latest()
	if !ok {
		publishSkipped.WithLabelValues("no_sample").Inc()
		return
	}
	ctx, span := p.tracer.Start(ctx, "publisher.tick", trace.WithAttributes(attribute.String("driver_id", p.who.DriverID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	outcome, err := p.pipeline.Write(ctx, Update{
		DriverID:    p.who.DriverID,
		DisplayName: p.who.DisplayName,
		Email:       p.who.Email,
		Lat:         sample.Lat,
		Lng:         sample.Lng,
		Speed:       sample.Speed,
		Active:      true,
		Timestamp:   time.Now(),
	})
	publishTotal.WithLabelValues(outcome.String()).Inc()
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	switch outcome {
	case FallbackOK:
		p.logger.Warn("primary write failed, fallback succeeded", zap.String("outcome", outcome.String()), zap.Error(err))
	case BothFailed:
		span.RecordError(err)
		p.logger.Error("publish tick dropped", zap.String("outcome", outcome.String()), zap.Error(err))
	}
}
