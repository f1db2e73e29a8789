// Package sharing implements the driver's location sharing toggle: while
// enabled, the sampler feeds the publisher; disabling tears both down.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/campustrack/internal/location/publisher"
	"github.com/example/campustrack/internal/location/sampler"
)

// Config tunes the session.
type Config struct {
	// MaxConsecutiveErrors disables sharing after that many positioning
	// errors without a good fix in between. Zero never auto-disables.
	MaxConsecutiveErrors int
}

// Session owns one driver's sampler and publisher.
type Session struct {
	sampler   *sampler.Sampler
	publisher *publisher.Publisher
	cfg       Config
	logger    *zap.Logger
	notices   chan error

	mu      sync.Mutex
	current *run
	last    *run
}

// run is one enabled period.
type run struct {
	stream   *sampler.Stream
	pumpDone chan struct{}
	stopCtx  context.Context
	stopped  chan struct{}
}

// New constructs a session. It starts disabled.
func New(s *sampler.Sampler, p *publisher.Publisher, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		sampler:   s,
		publisher: p,
		cfg:       cfg,
		logger:    logger,
		notices:   make(chan error, 8),
	}
}

// Errors delivers user visible notices: positioning failures and automatic
// disables. Notices are dropped when nobody reads them.
func (s *Session) Errors() <-chan error { return s.notices }

// Sharing reports the requested state, not confirmed server state.
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Enable starts sampling and publishing. Enabling twice is a no-op. A
// teardown still in progress is waited for first.
func (s *Session) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil
	}
	if s.last != nil {
		select {
		case <-s.last.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	stream, err := s.sampler.Start(ctx)
	if err != nil {
		s.notify(err)
		return fmt.Errorf("start sampler: %w", err)
	}
	if err := s.publisher.Start(ctx); err != nil {
		stream.Stop()
		return fmt.Errorf("start publisher: %w", err)
	}
	r := &run{
		stream:   stream,
		pumpDone: make(chan struct{}),
		stopCtx:  context.WithoutCancel(ctx),
		stopped:  make(chan struct{}),
	}
	s.current = r
	s.last = r
	go s.pump(r)
	s.logger.Info("location sharing enabled")
	return nil
}

// Disable stops the sampler, stops the publish loop and writes the inactive
// flag. Each step runs even if an earlier one fails. If an automatic disable
// is in progress, Disable waits for it to finish.
func (s *Session) Disable(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	s.current = nil
	last := s.last
	s.mu.Unlock()
	if r == nil {
		if last != nil {
			select {
			case <-last.stopped:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	return s.teardown(ctx, r)
}

// teardown runs once per run.
func (s *Session) teardown(ctx context.Context, r *run) error {
	defer close(r.stopped)
	r.stream.Stop()
	<-r.pumpDone
	err := s.publisher.Stop(ctx)
	if err != nil {
		err = fmt.Errorf("mark inactive: %w", err)
		s.logger.Warn("location sharing teardown incomplete", zap.Error(err))
		return err
	}
	s.logger.Info("location sharing disabled")
	return nil
}

// pump forwards samples to the publisher until the stream ends.
func (s *Session) pump(r *run) {
	cause := s.forward(r.stream)
	close(r.pumpDone)
	s.autoDisable(r, cause)
}

func (s *Session) forward(stream *sampler.Stream) error {
	consecutive := 0
	samples, errs := stream.Samples(), stream.Errors()
	for samples != nil || errs != nil {
		select {
		case smp, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			consecutive = 0
			s.publisher.Offer(smp)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			consecutive++
			s.logger.Warn("positioning error", zap.Int("consecutive", consecutive), zap.Error(err))
			s.notify(err)
			if errors.Is(err, sampler.ErrUnsupported) ||
				(s.cfg.MaxConsecutiveErrors > 0 && consecutive >= s.cfg.MaxConsecutiveErrors) {
				return err
			}
		}
	}
	return stream.Err()
}

// autoDisable tears down r if it is still the current run. A run stopped by
// Disable is no longer current and is left alone.
func (s *Session) autoDisable(r *run, cause error) {
	s.mu.Lock()
	if s.current != r {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	if err := s.teardown(r.stopCtx, r); err != nil {
		s.logger.Warn("automatic disable failed", zap.Error(err))
	}
	if cause != nil {
		s.notify(fmt.Errorf("sharing disabled: %w", cause))
	}
}

func (s *Session) notify(err error) {
	select {
	case s.notices <- err:
	default:
	}
}
