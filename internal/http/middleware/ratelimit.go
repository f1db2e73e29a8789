package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// Scope names a bucket family.
type Scope string

const (
	ScopeRead     Scope = "read"
	ScopeWrite    Scope = "write"
	ScopeLocation Scope = "location"
	ScopeBooking  Scope = "booking"
)

// Limits holds one bucket config per scope. A zero Location or Booking config
// falls back to Write.
type Limits struct {
	Read     RateConfig
	Write    RateConfig
	Location RateConfig
	Booking  RateConfig
}

func (l Limits) config(scope Scope) RateConfig {
	switch scope {
	case ScopeRead:
		return l.Read
	case ScopeLocation:
		if l.Location.enabled() {
			return l.Location
		}
	case ScopeBooking:
		if l.Booking.enabled() {
			return l.Booking
		}
	}
	return l.Write
}

// ScopeOf maps a request onto its bucket. Presence writes and booking creation
// have their own scopes; other mutating requests share ScopeWrite.
func ScopeOf(r *http.Request) Scope {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ScopeRead
	}
	switch r.URL.Path {
	case "/driver/location/update/", "/driver/location/stop/", "/driver/location/":
		return ScopeLocation
	case "/student/booking/create/":
		return ScopeBooking
	}
	return ScopeWrite
}

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_rate_limited_total",
	Help: "Requests rejected by the gateway rate limiter.",
}, []string{"scope"})

// RateLimiter enforces per client token buckets stored in Redis, shared by
// every gateway replica.
type RateLimiter struct {
	client redis.Scripter
	limits Limits
	script *redis.Script
	logger *zap.Logger
}

// NewRateLimiter returns nil when client is nil; a nil limiter's Middleware
// passes requests through.
func NewRateLimiter(client redis.Scripter, limits Limits, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{client: client, limits: limits, script: redis.NewScript(takeTokenLua), logger: logger}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeOf(r)
		cfg := l.limits.config(scope)
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		wait, err := l.take(r.Context(), scope, clientIdentifier(r), cfg)
		if err != nil {
			l.logger.Error("rate limit check failed", zap.String("scope", string(scope)), zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if wait > 0 {
			rateLimited.WithLabelValues(string(scope)).Inc()
			w.Header().Set("Retry-After", retryAfter(wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take removes one token from the bucket and returns zero, or returns how
// long until a token is available.
func (l *RateLimiter) take(ctx context.Context, scope Scope, client string, cfg RateConfig) (time.Duration, error) {
	key := "rl:" + string(scope) + ":" + client
	waitMS, err := l.script.Run(ctx, l.client, []string{key}, time.Now().UnixMilli(), cfg.Rate, cfg.Burst).Int64()
	if err != nil {
		return 0, fmt.Errorf("take token: %w", err)
	}
	if waitMS < 0 {
		return 0, errors.New("take token: negative wait")
	}
	return time.Duration(waitMS) * time.Millisecond, nil
}

// clientIdentifier prefers X-Client-ID, then a hash of the bearer token, then
// the peer address.
func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		sum := sha256.Sum256([]byte(token))
		return "tok-" + hex.EncodeToString(sum[:8])
	}
	if fwd, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(fwd) != "" {
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func retryAfter(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// takeTokenLua refills KEYS[1] for the elapsed time, then takes one token.
// ARGV is now in milliseconds, rate per second and burst. It returns 0 when a
// token was taken, otherwise the milliseconds until one is available.
const takeTokenLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1]) or burst
local ts = tonumber(bucket[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
  ts = now
end
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate))
return wait
`
