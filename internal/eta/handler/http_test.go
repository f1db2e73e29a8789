package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/eta/handler"
	"github.com/example/campustrack/internal/eta/service"
	"github.com/example/campustrack/internal/presence"
)

type stubDrivers []presence.Record

func (s stubDrivers) Active(context.Context) ([]presence.Record, error) { return s, nil }

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	body := map[string]any{}
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestEstimate(t *testing.T) {
	h := handler.New(service.New(stubDrivers{{DriverID: "bus-1", Latitude: 12.972, Longitude: 77.595, IsActive: true}}), nil).Router()

	rec, body := get(t, h, "/v1/eta?pickup_lat=12.9716&pickup_lng=77.5946&dropoff_lat=12.9816&dropoff_lng=77.5946")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bus-1", body["driver_id"])
	require.Contains(t, body, "driver_eta_sec")
	require.Contains(t, body, "trip_eta_sec")

	rec, body = get(t, h, "/v1/eta?pickup_lat=12.9716&pickup_lng=77.5946")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, body, "trip_eta_sec")
}

func TestEstimateValidation(t *testing.T) {
	h := handler.New(service.New(stubDrivers{}), nil).Router()
	for _, target := range []string{
		"/v1/eta",
		"/v1/eta?pickup_lat=abc&pickup_lng=1",
		"/v1/eta?pickup_lat=95&pickup_lng=1",
		"/v1/eta?pickup_lat=1&pickup_lng=1&dropoff_lat=1",
	} {
		rec, _ := get(t, h, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec, body := get(t, h, "/v1/eta?pickup_lat=1&pickup_lng=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body)
}
