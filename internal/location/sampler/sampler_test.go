package sampler_test

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/location/sampler"
)

// fakeSource emits an initial script, then forwards live fixes and errors
// until released.
type fakeSource struct {
	script   []sampler.Fix
	startErr error
	live     chan sampler.Fix
	fail     chan error
	ready    chan struct{}
	watches  atomic.Int32
	released atomic.Int32
	opts     sampler.Options
}

func newFakeSource(script ...sampler.Fix) *fakeSource {
	return &fakeSource{
		script: script,
		live:   make(chan sampler.Fix),
		fail:   make(chan error),
		ready:  make(chan struct{}, 4),
	}
}

func (f *fakeSource) Watch(ctx context.Context, opts sampler.Options, emit func(sampler.Fix), fail func(error)) error {
	f.watches.Add(1)
	if f.startErr != nil {
		return f.startErr
	}
	f.opts = opts
	defer f.released.Add(1)
	for _, fix := range f.script {
		emit(fix)
	}
	f.ready <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case fix := <-f.live:
			emit(fix)
		case err := <-f.fail:
			fail(err)
		}
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestLatestOnlyBuffer(t *testing.T) {
	src := newFakeSource(
		sampler.Fix{Lat: 12.1, Lng: 77.1, Speed: 1},
		sampler.Fix{Lat: 12.2, Lng: 77.2, Speed: 2},
		sampler.Fix{Lat: 12.3, Lng: 77.3, Speed: 3},
	)
	s := sampler.New(src, sampler.DefaultOptions(), nil)
	stream, err := s.Start(context.Background())
	require.NoError(t, err)
	defer stream.Stop()

	recv(t, src.ready)
	got := recv(t, stream.Samples())
	require.Equal(t, 12.3, got.Lat)
	require.Equal(t, 3.0, got.Speed)
	require.False(t, got.Timestamp.IsZero())

	select {
	case extra := <-stream.Samples():
		t.Fatalf("unexpected buffered sample %+v", extra)
	default:
	}
	require.True(t, src.opts.HighAccuracy)
	require.Zero(t, src.opts.MaximumAge)
}

func TestSpeedClampedToZero(t *testing.T) {
	src := newFakeSource()
	s := sampler.New(src, sampler.DefaultOptions(), nil)
	stream, err := s.Start(context.Background())
	require.NoError(t, err)
	defer stream.Stop()
	recv(t, src.ready)

	src.live <- sampler.Fix{Lat: 12.9716, Lng: 77.5946, Speed: -4}
	require.Equal(t, 0.0, recv(t, stream.Samples()).Speed)
	src.live <- sampler.Fix{Lat: 12.9716, Lng: 77.5946, Speed: math.NaN()}
	require.Equal(t, 0.0, recv(t, stream.Samples()).Speed)
}

func TestInvalidFixIsReportedNotDelivered(t *testing.T) {
	src := newFakeSource()
	s := sampler.New(src, sampler.DefaultOptions(), nil)
	stream, err := s.Start(context.Background())
	require.NoError(t, err)
	defer stream.Stop()
	recv(t, src.ready)

	src.live <- sampler.Fix{Lat: math.NaN(), Lng: 77}
	require.Error(t, recv(t, stream.Errors()))
	select {
	case smp := <-stream.Samples():
		t.Fatalf("invalid fix delivered: %+v", smp)
	default:
	}
}

func TestTimeoutIsPerAttempt(t *testing.T) {
	src := newFakeSource()
	s := sampler.New(src, sampler.Options{HighAccuracy: true, Timeout: 30 * time.Millisecond}, nil)
	stream, err := s.Start(context.Background())
	require.NoError(t, err)
	defer stream.Stop()
	recv(t, src.ready)

	require.ErrorIs(t, recv(t, stream.Errors()), sampler.ErrTimeout)
	src.live <- sampler.Fix{Lat: 12.9716, Lng: 77.5946}
	require.Equal(t, 12.9716, recv(t, stream.Samples()).Lat)
	select {
	case <-stream.Done():
		t.Fatal("stream ended after a timeout")
	default:
	}
}

func TestSourceErrorsForwarded(t *testing.T) {
	src := newFakeSource()
	s := sampler.New(src, sampler.DefaultOptions(), nil)
	stream, err := s.Start(context.Background())
	require.NoError(t, err)
	defer stream.Stop()
	recv(t, src.ready)

	src.fail <- sampler.ErrPermissionDenied
	require.ErrorIs(t, recv(t, stream.Errors()), sampler.ErrPermissionDenied)
	src.live <- sampler.Fix{Lat: 12.9716, Lng: 77.5946}
	require.Equal(t, 77.5946, recv(t, stream.Samples()).Lng)
}

func TestUnsupportedSignalledOnce(t *testing.T) {
	src := newFakeSource()
	src.startErr = sampler.ErrUnsupported
	s := sampler.New(src, sampler.DefaultOptions(), nil)
	stream, err := s.Start(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, recv(t, stream.Errors()), sampler.ErrUnsupported)
	<-stream.Done()
	require.ErrorIs(t, stream.Err(), sampler.ErrUnsupported)
	_, open := <-stream.Errors()
	require.False(t, open)
	_, open = <-stream.Samples()
	require.False(t, open)
}

func TestNilSourceIsUnsupported(t *testing.T) {
	_, err := sampler.New(nil, sampler.DefaultOptions(), nil).Start(context.Background())
	require.ErrorIs(t, err, sampler.ErrUnsupported)
}

func TestStopReleasesSourceAndRestarts(t *testing.T) {
	src := newFakeSource()
	s := sampler.New(src, sampler.DefaultOptions(), nil)
	stream, err := s.Start(context.Background())
	require.NoError(t, err)
	recv(t, src.ready)

	_, err = s.Start(context.Background())
	require.ErrorIs(t, err, sampler.ErrRunning)

	stream.Stop()
	stream.Stop()
	require.Equal(t, int32(1), src.released.Load())

	again, err := s.Start(context.Background())
	require.NoError(t, err)
	recv(t, src.ready)
	again.Stop()
	require.Equal(t, int32(2), src.watches.Load())
	require.Equal(t, int32(2), src.released.Load())
}

func TestContextCancelReleasesSource(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := sampler.New(src, sampler.DefaultOptions(), nil).Start(ctx)
	require.NoError(t, err)
	recv(t, src.ready)
	cancel()
	<-stream.Done()
	require.Equal(t, int32(1), src.released.Load())
	require.NoError(t, stream.Err())
}

func TestSimulatedSourceLoops(t *testing.T) {
	src := &sampler.SimulatedSource{Interval: time.Millisecond, Steps: 2, Speed: 8}
	stream, err := sampler.New(src, sampler.DefaultOptions(), nil).Start(context.Background())
	require.NoError(t, err)
	defer stream.Stop()

	got := recv(t, stream.Samples())
	require.InDelta(t, 12.97, got.Lat, 0.01)
	require.InDelta(t, 77.59, got.Lng, 0.01)
	require.Equal(t, 8.0, got.Speed)
}
