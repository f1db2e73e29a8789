// Package sampler turns a device positioning source into a restartable
// stream of location samples.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/campustrack/internal/presence"
)

var (
	ErrUnsupported      = errors.New("location unsupported")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrTimeout          = errors.New("location request timed out")
	ErrRunning          = errors.New("sampler already running")
)

// Options mirrors the positioning request options of a device.
type Options struct {
	HighAccuracy bool
	// MaximumAge is the oldest cached fix the source may return. Zero asks
	// for fresh fixes only.
	MaximumAge time.Duration
	// Timeout bounds the wait for each fix.
	Timeout time.Duration
}

// DefaultOptions requests fresh, high accuracy fixes within ten seconds.
func DefaultOptions() Options {
	return Options{HighAccuracy: true, MaximumAge: 0, Timeout: 10 * time.Second}
}

// Fix is a raw reading from a positioning source. A negative or NaN Speed
// means the source could not report one.
type Fix struct {
	Lat       float64
	Lng       float64
	Speed     float64
	Accuracy  float64
	Timestamp time.Time
}

// Sample is a validated location sample.
type Sample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     float64   `json:"speed"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Source is a device positioning capability. Watch blocks until ctx is done,
// calling emit for every fix and fail for every per-attempt error. It returns
// ErrUnsupported straight away when the capability is missing.
type Source interface {
	Watch(ctx context.Context, opts Options, emit func(Fix), fail func(error)) error
}

// Sampler starts streams against one source. Only one stream runs at a time.
type Sampler struct {
	source Source
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	current *Stream
}

// New constructs a sampler. Zero options fields fall back to DefaultOptions.
func New(source Source, opts Options, logger *zap.Logger) *Sampler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{source: source, opts: opts, logger: logger}
}

// Start opens the positioning subscription. The stream runs until Stop is
// called, ctx is cancelled or the source ends.
func (s *Sampler) Start(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		select {
		case <-s.current.Done():
		default:
			return nil, ErrRunning
		}
	}
	if s.source == nil {
		return nil, ErrUnsupported
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		samples: make(chan Sample, 1),
		errs:    make(chan error, 1),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		opts:    s.opts,
		logger:  s.logger,
	}
	s.current = st
	go st.run(ctx, s.source)
	return st, nil
}

// Stream is one enabled period of the sampler. Samples and Errors hold only
// the most recent value; both channels are closed when the stream ends.
type Stream struct {
	samples chan Sample
	errs    chan error
	kick    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	err    error
}

func (st *Stream) Samples() <-chan Sample { return st.samples }

func (st *Stream) Errors() <-chan error { return st.errs }

// Done is closed once the source has been released.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Stop releases the source and waits for it to return. It is idempotent.
func (st *Stream) Stop() {
	st.cancel()
	<-st.done
}

// Err returns the terminal error of an ended stream, if any.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *Stream) run(ctx context.Context, source Source) {
	defer close(st.done)
	defer st.close()
	defer st.cancel()

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- source.Watch(ctx, st.opts, st.handleFix, st.handleError)
	}()

	timer := time.NewTimer(st.opts.Timeout)
	defer timer.Stop()
	for {
		select {
		case err := <-watchErr:
			if err != nil && ctx.Err() == nil {
				st.terminate(err)
			}
			return
		case <-ctx.Done():
			<-watchErr
			return
		case <-st.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(st.opts.Timeout)
		case <-timer.C:
			st.handleError(ErrTimeout)
			timer.Reset(st.opts.Timeout)
		}
	}
}

func (st *Stream) handleFix(fix Fix) {
	if err := presence.ValidateCoordinates(fix.Lat, fix.Lng); err != nil {
		st.handleError(fmt.Errorf("discard fix: %w", err))
		return
	}
	now := time.Now()
	if fix.Timestamp.IsZero() {
		fix.Timestamp = now
	}
	if st.opts.MaximumAge > 0 && now.Sub(fix.Timestamp) > st.opts.MaximumAge {
		st.logger.Debug("discarding cached fix", zap.Time("fix_time", fix.Timestamp))
		return
	}
	speed := fix.Speed
	if math.IsNaN(speed) || speed < 0 {
		speed = 0
	}
	sample := Sample{Lat: fix.Lat, Lng: fix.Lng, Speed: speed, Accuracy: fix.Accuracy, Timestamp: fix.Timestamp}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	select {
	case <-st.samples:
	default:
	}
	st.samples <- sample
	select {
	case st.kick <- struct{}{}:
	default:
	}
}

func (st *Stream) handleError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	select {
	case <-st.errs:
	default:
	}
	st.errs <- err
}

func (st *Stream) terminate(err error) {
	st.logger.Warn("positioning source ended", zap.Error(err))
	st.handleError(err)
	st.mu.Lock()
	st.err = err
	st.mu.Unlock()
}

func (st *Stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	close(st.samples)
	close(st.errs)
}
