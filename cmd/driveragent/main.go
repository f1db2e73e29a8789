package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/location/apiclient"
	"github.com/example/campustrack/internal/location/publisher"
	"github.com/example/campustrack/internal/location/sampler"
	"github.com/example/campustrack/internal/location/sharing"
	"github.com/example/campustrack/internal/presence/store"
	"github.com/example/campustrack/pkg/observability"
)

type appConfig struct {
	APIURL          string
	DriverToken     string
	DriverID        string
	DriverName      string
	DriverEmail     string
	PublishInterval time.Duration
	PositionTimeout time.Duration
	RedisAddr       string
	MQTTBroker      string
	MQTTTopic       string
	MaxErrors       int
}

// driveragent shares the driver's position until interrupted. SIGUSR1
// toggles sharing off and on without exiting.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("driver-agent")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "driver-agent")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()
	logger = logger.With(zap.String("driver_id", cfg.DriverID))

	source, closeSource := buildSource(cfg, logger)
	defer closeSource()
	positions := sampler.New(source, sampler.Options{
		HighAccuracy: true,
		MaximumAge:   0,
		Timeout:      cfg.PositionTimeout,
	}, logger.Named("sampler"))

	pipeline := publisher.Pipeline{Primary: apiclient.New(cfg.APIURL, apiclient.StaticTokenSource(cfg.DriverToken), nil)}
	if cfg.RedisAddr != "" && cfg.DriverID != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis fallback unavailable", zap.Error(err))
		}
		pipeline.Fallback = publisher.StoreWriter{Store: store.NewRedisStore(redisClient, "")}
	} else {
		logger.Warn("store fallback disabled", zap.Bool("redis", cfg.RedisAddr != ""), zap.Bool("driver_id", cfg.DriverID != ""))
	}

	pub := publisher.New(pipeline, publisher.Identity{
		DriverID:    cfg.DriverID,
		DisplayName: cfg.DriverName,
		Email:       cfg.DriverEmail,
	}, publisher.Config{Interval: cfg.PublishInterval}, logger.Named("publisher"))

	session := sharing.New(positions, pub, sharing.Config{MaxConsecutiveErrors: cfg.MaxErrors}, logger.Named("sharing"))
	if err := session.Enable(ctx); err != nil {
		logger.Fatal("start sharing", zap.Error(err))
	}
	logger.Info("location sharing enabled", zap.Duration("interval", cfg.PublishInterval))

	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)

	for {
		select {
		case <-ctx.Done():
			disable(session, logger)
			return
		case notice := <-session.Errors():
			logger.Warn("location sharing notice", zap.Error(notice))
		case <-toggle:
			if session.Sharing() {
				disable(session, logger)
				continue
			}
			if err := session.Enable(ctx); err != nil {
				logger.Error("re-enable sharing", zap.Error(err))
				continue
			}
			logger.Info("location sharing enabled")
		}
	}
}

func disable(session *sharing.Session, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.Disable(ctx); err != nil {
		logger.Error("stop sharing", zap.Error(err))
		return
	}
	logger.Info("location sharing disabled")
}

func buildSource(cfg appConfig, logger *zap.Logger) (sampler.Source, func()) {
	if cfg.MQTTBroker == "" || cfg.MQTTTopic == "" {
		logger.Info("no positioning device configured, simulating campus loop")
		return &sampler.SimulatedSource{Interval: time.Second, Steps: 5, Speed: 6}, func() {}
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID("driveragent-" + cfg.DriverID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.New("connect timed out")
		}
		// The sampler reports the disconnected source as unsupported.
		logger.Error("mqtt connect failed", zap.String("broker", cfg.MQTTBroker), zap.Error(err))
	}
	return &sampler.MQTTSource{Client: client, Topic: cfg.MQTTTopic, QoS: 1}, func() { client.Disconnect(250) }
}

func loadConfig() appConfig {
	return appConfig{
		APIURL:          getenv("API_URL", "http://localhost:8080"),
		DriverToken:     os.Getenv("DRIVER_TOKEN"),
		DriverID:        os.Getenv("DRIVER_ID"),
		DriverName:      os.Getenv("DRIVER_NAME"),
		DriverEmail:     os.Getenv("DRIVER_EMAIL"),
		PublishInterval: time.Duration(parseIntEnv("PUBLISH_INTERVAL_MS", 7000)) * time.Millisecond,
		PositionTimeout: time.Duration(parseIntEnv("POSITION_TIMEOUT_MS", 10000)) * time.Millisecond,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		MQTTBroker:      os.Getenv("MQTT_BROKER"),
		MQTTTopic:       os.Getenv("MQTT_TOPIC"),
		MaxErrors:       parseIntEnv("MAX_POSITION_ERRORS", 0),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
