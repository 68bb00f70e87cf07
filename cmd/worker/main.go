package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/config"
	"classroll/internal/logging"
	"classroll/internal/queue"
	"classroll/internal/store"
	"classroll/internal/worker"
)

// Worker consumes offline-sync batches, sweeps due sessions and generates
// the day's sessions from recurring slots.
func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == "memory" || cfg.QueueBackend == "memory" {
		logging.Fatal().Msg("worker needs the postgres store and redis queue; memory backends run inside the api")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL, store.DefaultPool)
	if err != nil {
		logging.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logging.Fatal().Err(err).Msg("migrations failed")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logging.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet; consumer will retry")
	}

	svc := attendance.NewService(
		attendance.NewPostgresStore(db.Client),
		auth.NewQRSigner(cfg.QRSigningKey),
		attendance.WithLocation(cfg.Location()),
	)
	runner := worker.New(svc, queue.NewRedisQueue(redisClient.Client, cfg.QueueKey), cfg.Location())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := runner.ConsumeOffline(ctx); err != nil {
			logging.Error().Err(err).Msg("offline consumer failed")
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		runner.RunSweeps(ctx, cfg.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		runner.RunGeneration(ctx, cfg.SweepInterval)
	}()

	logging.Info().Dur("sweep_interval", cfg.SweepInterval).Msg("worker started")
	wg.Wait()
	logging.Info().Msg("worker stopped")
}
