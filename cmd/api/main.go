package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/config"
	"classroll/internal/httpapi"
	"classroll/internal/httpmiddleware"
	"classroll/internal/logging"
	"classroll/internal/queue"
	"classroll/internal/store"
	"classroll/internal/worker"
)

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("api failed")
	}
}

func run(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db      *store.DB
		backend attendance.Store
	)
	switch cfg.StoreBackend {
	case "memory":
		logging.Warn().Msg("using in-memory store; data is lost on restart")
		backend = attendance.NewMemoryStore()
	default:
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL, store.DefaultPool)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		backend = attendance.NewPostgresStore(db.Client)
	}

	var (
		redisClient *store.Redis
		q           queue.Queue
	)
	svc := attendance.NewService(backend, auth.NewQRSigner(cfg.QRSigningKey), attendance.WithLocation(cfg.Location()))

	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(256)
		q = mem
		// no separate worker can reach an in-process queue
		go func() {
			if err := worker.New(svc, mem, cfg.Location()).ConsumeOffline(ctx); err != nil {
				logging.Error().Err(err).Msg("offline consumer failed")
			}
		}()
	} else {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	h := httpapi.New(svc, q, cfg.Location())
	r := httpapi.NewRouter(h, httpapi.RouterConfig{
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		Limiter:        httpmiddleware.NewLimiter(cfg.RateLimitPerMin),
		AllowedOrigins: cfg.CORSOrigins,
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db == nil || db.Healthy(c.Request.Context())
		redisHealthy := redisClient == nil || redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy || !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "db": dbHealthy, "redis": redisHealthy})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Str("queue", cfg.QueueBackend).Msg("starting api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logging.Info().Msg("shutting down api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("forced shutdown")
	}
	logging.Info().Msg("api exited")
	return nil
}
