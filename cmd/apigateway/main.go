package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ratelimitmw "github.com/example/campustrack/internal/http/middleware"
	"github.com/example/campustrack/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("api-gateway")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	target, err := url.Parse(getenv("PRESENCE_SERVICE_URL", "http://localhost:8080"))
	if err != nil {
		logger.Fatal("invalid PRESENCE_SERVICE_URL", zap.Error(err))
	}

	var limiter *ratelimitmw.RateLimiter
	checks := map[string]observability.Check{}
	if redisClient := newRedisClient(ctx, logger); redisClient != nil {
		defer redisClient.Close()
		limiter = ratelimitmw.NewRateLimiter(redisClient, ratelimitmw.Limits{
			Read: ratelimitmw.RateConfig{
				Rate:  parseFloatEnv("RATE_READ_RPS", 50),
				Burst: parseFloatEnv("RATE_READ_BURST", 100),
			},
			Write: ratelimitmw.RateConfig{
				Rate:  parseFloatEnv("RATE_WRITE_RPS", 10),
				Burst: parseFloatEnv("RATE_WRITE_BURST", 20),
			},
			// One fix per publish interval plus the stop write and a retry.
			Location: ratelimitmw.RateConfig{
				Rate:  parseFloatEnv("RATE_LOCATION_RPS", 0.5),
				Burst: parseFloatEnv("RATE_LOCATION_BURST", 3),
			},
			Booking: ratelimitmw.RateConfig{
				Rate:  parseFloatEnv("RATE_BOOKING_RPS", 0.1),
				Burst: parseFloatEnv("RATE_BOOKING_BURST", 5),
			},
		}, logger.Named("ratelimit"))
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	srv := &http.Server{
		Addr:              getenv("HTTP_ADDR", ":8088"),
		Handler:           newRouter(target, limiter, checks, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", target.String()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newRouter serves docs and health locally and proxies everything else to
// the presence service. Websocket upgrades pass through the proxy.
func newRouter(target *url.URL, limiter *ratelimitmw.RateLimiter, checks map[string]observability.Check, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Get("/docs", swaggerHandler)
	r.Get("/docs/", swaggerHandler)
	r.Get("/docs/index.html", swaggerHandler)
	r.Get("/docs/openapi.yaml", openAPIHandler)

	upstream := httputil.NewSingleHostReverseProxy(target)
	upstream.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		logger.Warn("upstream request failed", zap.String("path", req.URL.Path), zap.Error(err))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Handle("/*", upstream)
	})
	return r
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func newRedisClient(ctx context.Context, logger *zap.Logger) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, rate limiting disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
