package service_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/presence"
	"github.com/example/campustrack/internal/presence/service"
	"github.com/example/campustrack/internal/presence/store"
)

type stubClock struct{ t time.Time }

func (s *stubClock) Now() time.Time { return s.t }

type stubSink struct {
	events []presence.Event
	err    error
}

func (s *stubSink) Publish(_ context.Context, event presence.Event) error {
	s.events = append(s.events, event)
	return s.err
}

var driver = service.Identity{DriverID: "driver123", DisplayName: "Asha", Email: "asha@campus.edu"}

func TestUpdateLocationUpsertsSingleRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	clock := &stubClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	sink := &stubSink{}
	svc := service.New(mem, sink, clock, nil, service.Config{})
	ctx := context.Background()

	var last presence.Record
	for i := 0; i < 10; i++ {
		clock.t = clock.t.Add(7 * time.Second)
		rec, err := svc.UpdateLocation(ctx, driver, service.LocationUpdate{Lat: 12.9716 + float64(i)*0.001, Lng: 77.5946, Speed: float64(i)})
		require.NoError(t, err)
		last = rec
	}
	require.Equal(t, 1, mem.Len())

	got, err := svc.Get(ctx, driver.DriverID)
	require.NoError(t, err)
	require.Equal(t, last, got)
	require.InDelta(t, 12.9806, got.Latitude, 1e-9)
	require.Equal(t, 9.0, got.Speed)
	require.True(t, got.IsActive)
	require.Len(t, sink.events, 10)
	require.Equal(t, presence.EventLocationUpdated, sink.events[9].Type)
}

func TestUpdateLocationScenario(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := service.New(mem, nil, nil, nil, service.Config{})
	_, err := svc.UpdateLocation(context.Background(), service.Identity{DriverID: "driver123"}, service.LocationUpdate{Lat: 12.9716, Lng: 77.5946})
	require.NoError(t, err)

	doc, ok, err := mem.Get(context.Background(), "driver123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "driver123", doc.Data["driverId"])
	require.Equal(t, 12.9716, doc.Data["latitude"])
	require.Equal(t, 77.5946, doc.Data["longitude"])
	require.Equal(t, 0.0, doc.Data["speed"])
	require.Equal(t, true, doc.Data["isActive"])
}

func TestUpdateLocationValidation(t *testing.T) {
	svc := service.New(store.NewMemoryStore(), nil, nil, nil, service.Config{})
	ctx := context.Background()

	_, err := svc.UpdateLocation(ctx, driver, service.LocationUpdate{Lat: math.NaN(), Lng: 1})
	require.True(t, errors.Is(err, presence.ErrInvalidCoordinates))
	_, err = svc.UpdateLocation(ctx, driver, service.LocationUpdate{Lat: 1, Lng: 181})
	require.True(t, errors.Is(err, presence.ErrInvalidCoordinates))
	_, err = svc.UpdateLocation(ctx, driver, service.LocationUpdate{Lat: 1, Lng: 1, Speed: -1})
	require.True(t, errors.Is(err, service.ErrInvalidSpeed))
	_, err = svc.UpdateLocation(ctx, service.Identity{}, service.LocationUpdate{Lat: 1, Lng: 1})
	require.Error(t, err)
}

func TestDeactivateKeepsRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	sink := &stubSink{}
	svc := service.New(mem, sink, nil, nil, service.Config{})
	ctx := context.Background()

	_, err := svc.UpdateLocation(ctx, driver, service.LocationUpdate{Lat: 12.9716, Lng: 77.5946})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, driver))

	active, err := svc.Active(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	rec, err := svc.Get(ctx, driver.DriverID)
	require.NoError(t, err)
	require.False(t, rec.IsActive)
	require.Equal(t, 12.9716, rec.Latitude)

	require.Len(t, sink.events, 2)
	require.Equal(t, presence.EventWentOffline, sink.events[1].Type)
	require.Equal(t, 12.9716, sink.events[1].Record.Latitude)
}

func TestEventSinkFailureIsSwallowed(t *testing.T) {
	svc := service.New(store.NewMemoryStore(), &stubSink{err: errors.New("nats down")}, nil, nil, service.Config{})
	_, err := svc.UpdateLocation(context.Background(), driver, service.LocationUpdate{Lat: 1, Lng: 1})
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	mem := store.NewMemoryStore()
	clock := &stubClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := service.New(mem, nil, clock, nil, service.Config{StaleAfter: 30 * time.Second})
	ctx := context.Background()

	_, err := svc.UpdateLocation(ctx, service.Identity{DriverID: "old"}, service.LocationUpdate{Lat: 1, Lng: 1})
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Minute)
	_, err = svc.UpdateLocation(ctx, service.Identity{DriverID: "fresh"}, service.LocationUpdate{Lat: 2, Lng: 2})
	require.NoError(t, err)
	_, err = svc.UpdateLocation(ctx, service.Identity{DriverID: "gone"}, service.LocationUpdate{Lat: 3, Lng: 3})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, service.Identity{DriverID: "gone"}))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, service.Stats{Active: 2, Total: 3, Stale: 1}, stats)
}

func TestGetMissing(t *testing.T) {
	svc := service.New(store.NewMemoryStore(), nil, nil, nil, service.Config{})
	_, err := svc.Get(context.Background(), "nobody")
	require.ErrorIs(t, err, presence.ErrNotFound)
}
