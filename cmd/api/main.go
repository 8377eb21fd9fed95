package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loopy/objectgate/internal/backend"
	"github.com/loopy/objectgate/internal/cache"
	"github.com/loopy/objectgate/internal/config"
	"github.com/loopy/objectgate/internal/db"
	"github.com/loopy/objectgate/internal/event"
	"github.com/loopy/objectgate/internal/gateway"
	"github.com/loopy/objectgate/internal/grant"
	appMiddleware "github.com/loopy/objectgate/internal/middleware"
	"github.com/loopy/objectgate/internal/object"
)

func main() {
	cfg := config.Load()

	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	pool, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	blobs, err := buildBackends(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("object storage init failed")
	}

	var metaCache cache.Cache
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		metaCache = cache.NewRedisCache(redisClient)
	} else {
		log.Warn().Msg("REDIS_ADDR empty, using in-process metadata cache")
		metaCache = cache.NewMemoryCache()
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq connection failed")
	}
	defer conn.Close()

	topo := event.Topology{
		Exchange:        cfg.EventExchange,
		Queue:           cfg.EventQueue,
		DeadLetterQueue: cfg.DeadLetterQueue,
	}
	publisher, err := event.NewAMQPPublisher(conn, topo, cfg.BackendAttempts)
	if err != nil {
		log.Fatal().Err(err).Msg("event publisher init failed")
	}
	outbox := event.NewOutbox(pool)
	emitter := event.NewEmitter(publisher, outbox)

	repo := object.NewRepository(pool)
	issuer := grant.NewIssuer(cfg.GrantSecret)

	gw := gateway.New(repo, metaCache, blobs, issuer, emitter, cfg.CacheTTL)
	gwHandler := gateway.NewHandler(gw)
	grantHandler := grant.NewHandler(issuer)

	var dedup event.Deduper
	if redisClient != nil {
		dedup = event.NewRedisDeduper(redisClient, cfg.DedupRetention)
	} else {
		dedup = event.NewMemoryDeduper()
	}
	consumer, err := event.NewConsumer(conn, topo, dedup, gateway.NewProcessor(repo))
	if err != nil {
		log.Fatal().Err(err).Msg("event consumer init failed")
	}

	// Router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", gwHandler.Health)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Grant issuance and promotion require the service JWT.
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.RequireAuth(cfg.JWTSecret))
			r.Post("/grants", grantHandler.Issue)
			r.Post("/objects/{id}/promote", gwHandler.Promote)
		})

		// Object I/O is authorized by the grant token itself.
		r.Put("/objects/{id}", gwHandler.Upload)
		r.Get("/objects/{id}", gwHandler.Download)
		r.Get("/objects/{id}/metadata", gwHandler.Metadata)
		r.Delete("/objects/{id}", gwHandler.Delete)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background workers: consumer loop, outbox replayer, reconciler.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go func() {
		if err := consumer.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Error().Err(err).Msg("event consumer stopped")
		}
	}()
	go outbox.Run(workerCtx, publisher, cfg.OutboxInterval)

	reconciler := gateway.NewReconciler(repo, blobs, metaCache, emitter, cfg.AbandonAfter, cfg.TombstoneRetention)
	go reconciler.Run(workerCtx, cfg.ReconcileInterval)

	// Start server in goroutine; wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.AppEnv).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully...")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("server stopped")
}

// buildBackends constructs the primary backend and, when configured, the
// fallback, composed under the retry/failover wrapper.
func buildBackends(cfg *config.Config) (*backend.Failover, error) {
	backends := make([]backend.Backend, 0, 2)

	primary, err := buildBackend(cfg.Primary)
	if err != nil {
		return nil, err
	}
	backends = append(backends, primary)

	if cfg.Fallback.Enabled() {
		fallback, err := buildBackend(cfg.Fallback)
		if err != nil {
			return nil, err
		}
		backends = append(backends, fallback)
		log.Info().Str("primary", cfg.Primary.ID).Str("fallback", cfg.Fallback.ID).Msg("failover configured")
	}

	return backend.NewFailover(cfg.BackendAttempts, cfg.BackendTimeout, backends...), nil
}

func buildBackend(bc config.BackendConfig) (backend.Backend, error) {
	if bc.Kind == "s3" {
		return backend.NewS3Backend(bc)
	}
	return backend.NewMinioBackend(bc)
}
