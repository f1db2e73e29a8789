package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/campustrack/internal/presence"
)

// ActiveDrivers lists the drivers currently sharing their location.
type ActiveDrivers interface {
	Active(ctx context.Context) ([]presence.Record, error)
}

// GeoPoint is a coordinate in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverETA is the nearest active driver and its estimated arrival.
type DriverETA struct {
	DriverID string
	Label    string
	Distance float64
	ETA      time.Duration
}

// Service calculates ETAs using haversine distance and average speeds.
type Service struct {
	drivers ActiveDrivers
}

// New creates an ETA service.
func New(drivers ActiveDrivers) *Service {
	return &Service{drivers: drivers}
}

// EstimateDriverETA returns the fastest estimate among active drivers. The
// bool is false when no driver is sharing.
func (s *Service) EstimateDriverETA(ctx context.Context, pickup GeoPoint) (DriverETA, bool, error) {
	const avgSpeed = 20.0 // km/h, campus shuttle
	const meterPerSecond = avgSpeed * 1000.0 / 3600.0
	records, err := s.drivers.Active(ctx)
	if err != nil {
		return DriverETA{}, false, fmt.Errorf("list active drivers: %w", err)
	}
	var best DriverETA
	found := false
	for _, rec := range records {
		dist := haversine(GeoPoint{Lat: rec.Latitude, Lng: rec.Longitude}, pickup)
		duration := time.Duration(dist/meterPerSecond) * time.Second
		if !found || duration < best.ETA {
			best = DriverETA{DriverID: rec.DriverID, Label: rec.Label(), Distance: dist, ETA: duration}
			found = true
		}
	}
	return best, found, nil
}

// EstimateTripETA approximates total trip time using distance and average speed.
func (s *Service) EstimateTripETA(_ context.Context, pickup, dropoff GeoPoint) time.Duration {
	const avgSpeed = 25.0 // km/h
	const meterPerSecond = avgSpeed * 1000.0 / 3600.0
	dist := haversine(pickup, dropoff)
	sec := dist / meterPerSecond
	return time.Duration(sec) * time.Second
}

func haversine(a, b GeoPoint) float64 {
	const earthRadius = 6371000.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
