package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/http/middleware"
)

func newLimited(t *testing.T, limits middleware.Limits) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := middleware.NewRateLimiter(client, limits, nil)
	return limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func send(h http.Handler, method, client string) *httptest.ResponseRecorder {
	return sendTo(h, method, "/driver/location/update/", client)
}

func sendTo(h http.Handler, method, path, client string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Client-ID", client)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWriteBucketExhausts(t *testing.T) {
	h := newLimited(t, middleware.Limits{
		Read:  middleware.RateConfig{Rate: 100, Burst: 100},
		Write: middleware.RateConfig{Rate: 0.01, Burst: 2},
	})

	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "bus-1").Code)
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "bus-1").Code)
	limited := send(h, http.MethodPost, "bus-1")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.NotEmpty(t, limited.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "bus-2").Code, "buckets are per client")
	require.Equal(t, http.StatusOK, send(h, http.MethodGet, "bus-1").Code, "reads use their own bucket")
}

func TestBearerTokensGetSeparateBuckets(t *testing.T) {
	h := newLimited(t, middleware.Limits{Read: middleware.RateConfig{Rate: 0.01, Burst: 1}})
	get := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/driver/location/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, get("a"))
	require.Equal(t, http.StatusTooManyRequests, get("a"))
	require.Equal(t, http.StatusOK, get("b"))
}

func TestScopeOf(t *testing.T) {
	cases := []struct {
		method, path string
		want         middleware.Scope
	}{
		{http.MethodGet, "/driver/location/", middleware.ScopeRead},
		{http.MethodGet, "/ws/drivers", middleware.ScopeRead},
		{http.MethodPost, "/driver/location/update/", middleware.ScopeLocation},
		{http.MethodPost, "/driver/location/stop/", middleware.ScopeLocation},
		{http.MethodPost, "/driver/location/", middleware.ScopeLocation},
		{http.MethodPost, "/student/booking/create/", middleware.ScopeBooking},
		{http.MethodPost, "/admin/bookings/b1/assign", middleware.ScopeWrite},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, middleware.ScopeOf(httptest.NewRequest(tc.method, tc.path, nil)), tc.method+" "+tc.path)
	}
}

func TestCampusScopesHaveOwnBuckets(t *testing.T) {
	h := newLimited(t, middleware.Limits{
		Write:    middleware.RateConfig{Rate: 0.01, Burst: 1},
		Location: middleware.RateConfig{Rate: 0.01, Burst: 2},
		Booking:  middleware.RateConfig{Rate: 0.01, Burst: 1},
	})

	require.Equal(t, http.StatusOK, sendTo(h, http.MethodPost, "/driver/location/update/", "driver123").Code)
	require.Equal(t, http.StatusOK, sendTo(h, http.MethodPost, "/driver/location/stop/", "driver123").Code)
	require.Equal(t, http.StatusTooManyRequests, sendTo(h, http.MethodPost, "/driver/location/update/", "driver123").Code)

	require.Equal(t, http.StatusOK, sendTo(h, http.MethodPost, "/driver/bookings/b1/start", "driver123").Code,
		"location writes do not drain the general write bucket")
	require.Equal(t, http.StatusTooManyRequests, sendTo(h, http.MethodPost, "/driver/bookings/b1/complete", "driver123").Code)

	require.Equal(t, http.StatusOK, sendTo(h, http.MethodPost, "/student/booking/create/", "s1").Code)
	require.Equal(t, http.StatusTooManyRequests, sendTo(h, http.MethodPost, "/student/booking/create/", "s1").Code)
}

func TestUnsetCampusScopesUseWriteConfig(t *testing.T) {
	h := newLimited(t, middleware.Limits{Write: middleware.RateConfig{Rate: 0.01, Burst: 1}})
	require.Equal(t, http.StatusOK, sendTo(h, http.MethodPost, "/driver/location/update/", "d1").Code)
	require.Equal(t, http.StatusTooManyRequests, sendTo(h, http.MethodPost, "/driver/location/update/", "d1").Code)
	require.Equal(t, http.StatusOK, sendTo(h, http.MethodGet, "/driver/location/", "d1").Code, "reads are unlimited without a read config")
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var limiter *middleware.RateLimiter
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	require.Equal(t, http.StatusTeapot, send(h, http.MethodPost, "x").Code)
	require.Nil(t, middleware.NewRateLimiter(nil, middleware.Limits{}, nil))
}
