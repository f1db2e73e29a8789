package presence_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/presence"
)

func TestNormalizeFieldVariants(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
	}{
		{"canonical", map[string]any{"latitude": 12.9716, "longitude": 77.5946}},
		{"short", map[string]any{"lat": 12.9716, "lng": 77.5946}},
		{"nested position", map[string]any{"position": map[string]any{"lat": 12.9716, "lng": 77.5946}}},
		{"nested long names", map[string]any{"position": map[string]any{"latitude": 12.9716, "longitude": 77.5946}}},
		{"current location", map[string]any{"currentLocation": map[string]any{"lat": 12.9716, "lng": 77.5946}}},
		{"numeric strings", map[string]any{"latitude": "12.9716", "longitude": "77.5946"}},
		{"json numbers", map[string]any{"lat": json.Number("12.9716"), "lng": json.Number("77.5946")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := presence.Normalize(presence.Document{ID: "driver123", Data: tc.data})
			require.NoError(t, err)
			require.Equal(t, "driver123", rec.DriverID)
			require.Equal(t, 12.9716, rec.Latitude)
			require.Equal(t, 77.5946, rec.Longitude)
		})
	}
}

func TestNormalizeRejectsUnusableCoordinates(t *testing.T) {
	cases := map[string]map[string]any{
		"missing":      {"driverId": "d1", "isActive": true},
		"half pair":    {"lat": 12.0},
		"nan":          {"latitude": math.NaN(), "longitude": 77.0},
		"infinite":     {"latitude": 10.0, "longitude": math.Inf(1)},
		"out of range": {"latitude": 91.0, "longitude": 77.0},
		"garbage":      {"lat": "north", "lng": "east"},
		"wrong nested": {"position": "12,77"},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := presence.Normalize(presence.Document{ID: "d1", Data: data})
			require.True(t, errors.Is(err, presence.ErrInvalidCoordinates), "got %v", err)
		})
	}
}

func TestNormalizeSkipsInvalidVariant(t *testing.T) {
	cases := map[string]map[string]any{
		"nan canonical, valid short": {
			"latitude": math.NaN(), "longitude": math.NaN(),
			"lat": 12.9716, "lng": 77.5946,
		},
		"nan strings, valid position": {
			"latitude": "NaN", "longitude": "NaN",
			"position": map[string]any{"lat": 12.9716, "lng": 77.5946},
		},
		"out of range short, valid location": {
			"lat": 120.0, "lng": 77.0,
			"location": map[string]any{"lat": 12.9716, "lng": 77.5946},
		},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			data["isActive"] = true
			rec, err := presence.Normalize(presence.Document{ID: "d1", Data: data})
			require.NoError(t, err)
			require.Equal(t, 12.9716, rec.Latitude)
			require.Equal(t, 77.5946, rec.Longitude)
			require.True(t, rec.IsActive)
		})
	}
}

func TestNormalizeOptionalFields(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	rec, err := presence.Normalize(presence.Document{ID: "doc-id", Data: map[string]any{
		"driverId":    "driver123",
		"displayName": "Route 7",
		"email":       "r7@campus.edu",
		"lat":         1.0,
		"lng":         2.0,
		"speed":       -3.0,
		"isActive":    true,
		"updatedAt":   float64(ts.UnixMilli()),
	}})
	require.NoError(t, err)
	require.Equal(t, "driver123", rec.DriverID)
	require.Equal(t, "Route 7", rec.Label())
	require.Zero(t, rec.Speed)
	require.True(t, rec.IsActive)
	require.True(t, ts.Equal(rec.LastUpdated))
}

func TestNormalizeAllDropsAndSorts(t *testing.T) {
	records, dropped := presence.NormalizeAll([]presence.Document{
		{ID: "b", Data: map[string]any{"lat": 1.0, "lng": 1.0}},
		{ID: "bad", Data: map[string]any{"lat": math.NaN(), "lng": 1.0}},
		{ID: "a", Data: map[string]any{"latitude": 2.0, "longitude": 2.0}},
	})
	require.Equal(t, 1, dropped)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].DriverID)
	require.Equal(t, "b", records[1].DriverID)
}

func TestFieldsRoundTrip(t *testing.T) {
	in := presence.Record{
		DriverID:    "driver123",
		DisplayName: "Asha",
		Latitude:    12.9716,
		Longitude:   77.5946,
		Speed:       4.2,
		IsActive:    true,
		LastUpdated: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC),
	}
	out, err := presence.Normalize(presence.Document{ID: in.DriverID, Data: presence.Fields(in)})
	require.NoError(t, err)
	require.Equal(t, in, out)
}
