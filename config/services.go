package config

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

var Redis *redis.Client

// ConnectRedis opens the shared Redis client when REDIS_ENABLED is set.
// It leaves Redis nil otherwise.
func ConnectRedis() error {
	if !AppConfig.Redis.Enabled {
		log.Info("Redis disabled, falling back to database-backed queue")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	Redis = client
	log.Info("✅ Successfully connected to Redis")
	return nil
}

// InitSentry configures error reporting. Without a DSN the SDK stays a no-op.
func InitSentry() error {
	if AppConfig.SentryDSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              AppConfig.SentryDSN,
		Environment:      AppConfig.Environment,
		TracesSampleRate: 0.1,
	})
}

// InitLogger sets the logrus format for the environment.
func InitLogger() {
	if AppConfig.Environment == "production" {
		log.SetFormatter(&log.JSONFormatter{})
		log.SetLevel(log.InfoLevel)
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.DebugLevel)
}
