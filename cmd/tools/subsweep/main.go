// Command subsweep marks active subscriptions whose paid period has ended
// as past_due. It takes a Redis lock so overlapping cron invocations or
// multiple replicas never run the sweep concurrently.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/tripwise/backend-billing/internal/config"
	"github.com/tripwise/backend-billing/internal/lock"
	"github.com/tripwise/backend-billing/internal/obs"
	"github.com/tripwise/backend-billing/internal/subscription"
)

const lockKey = "billing:subsweep:lock"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "subsweep").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	store := subscription.NewStore(pool)
	locker := lock.Locker{R: redisClient}

	err = locker.WithLock(ctx, lockKey, time.Minute, func(ctx context.Context) error {
		marked, err := store.MarkLapsedPastDue(ctx, time.Now())
		if err != nil {
			return err
		}
		logger.Info().Int64("marked", marked).Msg("sweep complete")
		return nil
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("sweep failed")
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
