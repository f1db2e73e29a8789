package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	bookingdomain "github.com/example/campustrack/internal/booking/domain"
	bookinghandler "github.com/example/campustrack/internal/booking/handler"
	bookingrepo "github.com/example/campustrack/internal/booking/repository"
	bookingservice "github.com/example/campustrack/internal/booking/service"
	etahandler "github.com/example/campustrack/internal/eta/handler"
	etaservice "github.com/example/campustrack/internal/eta/service"
	"github.com/example/campustrack/internal/history"
	"github.com/example/campustrack/internal/location"
	outboxworker "github.com/example/campustrack/internal/outbox"
	"github.com/example/campustrack/internal/presence"
	"github.com/example/campustrack/internal/presence/feed"
	presencehandler "github.com/example/campustrack/internal/presence/handler"
	presenceservice "github.com/example/campustrack/internal/presence/service"
	"github.com/example/campustrack/internal/presence/store"
	"github.com/example/campustrack/pkg/observability"
	outboxpkg "github.com/example/campustrack/pkg/outbox"
)

type appConfig struct {
	HTTPAddr    string
	GRPCAddr    string
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	JWTSecret   string
	StaleAfter  time.Duration
	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("presence-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "presence-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, using development secret")
		cfg.JWTSecret = "dev-secret"
	}
	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	var docs presence.Store = store.NewMemoryStore()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		docs = store.NewRedisStore(redisClient, "")
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_ADDR not set, presence records are kept in memory")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("presenceservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var events presence.EventSink
	var bookingEvents bookingdomain.EventPublisher
	if natsConn != nil {
		bookingEvents = outboxpkg.NewPublisher(natsConn, "booking.events").Bookings()
		events = outboxpkg.NewPublisher(natsConn, history.DefaultTopic)
	}
	var historyRepo *history.Repository
	if db != nil {
		historyRepo = history.New(db, history.DefaultTopic)
		if err := historyRepo.EnsureSchema(ctx); err != nil {
			logger.Fatal("history schema", zap.Error(err))
		}
		events = historyRepo
	}

	presenceSvc := presenceservice.New(docs, events, nil, logger.Named("presence"), presenceservice.Config{StaleAfter: cfg.StaleAfter})
	liveFeed := feed.New(docs, logger.Named("feed"))
	bookingSvc := bookingservice.New(bookingrepo.NewMemoryRepository(), bookingEvents, nil, bookingrepo.NewMemoryIdempotencyRepo(), logger.Named("booking"))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	presencehandler.New(presenceSvc, liveFeed, cfg.JWTSecret, logger.Named("http")).Register(r)
	bookinghandler.NewHTTP(bookingSvc, cfg.JWTSecret, logger.Named("http")).Register(r)
	etahandler.New(etaservice.New(presenceSvc), logger.Named("http")).Register(r)
	if historyRepo != nil {
		history.NewHTTP(historyRepo, cfg.JWTSecret, logger.Named("http")).Register(r)
	}
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(presenceSvc, cfg.JWTSecret, logger.Named("grpc")))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	go func() {
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("presence service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getenv("GRPC_ADDR", ":9090"),
		PostgresDSN: firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NATSURL:     os.Getenv("NATS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		StaleAfter:  time.Duration(parseIntEnv("STALE_AFTER_SEC", 60)) * time.Second,
		OutboxPoll:  time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch: parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry: parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
