package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/batch"
	"github.com/marcelomtsv/telegram/internal/cache"
	"github.com/marcelomtsv/telegram/internal/config"
	"github.com/marcelomtsv/telegram/internal/database"
	"github.com/marcelomtsv/telegram/internal/handler"
	"github.com/marcelomtsv/telegram/internal/hub"
	"github.com/marcelomtsv/telegram/internal/jobs"
	"github.com/marcelomtsv/telegram/internal/middleware"
	redisclient "github.com/marcelomtsv/telegram/internal/redis"
	"github.com/marcelomtsv/telegram/internal/registry"
	"github.com/marcelomtsv/telegram/internal/repository"
	"github.com/marcelomtsv/telegram/internal/transport"
	"github.com/marcelomtsv/telegram/internal/transport/memory"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var store repository.SessionStore
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		cancel()

		store, err = repository.NewSessionStore(db.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to prepare session store")
		}
		log.Info().Msg("database connected")
	}

	// The MTProto adapter is supplied by the deployment; the loopback
	// transport keeps the gateway runnable end to end without one.
	// TODO: wire the real MTProto adapter once it lands.
	factory := transport.Factory(memory.NewFactory(os.Getenv("LOOPBACK_LOGIN_CODE")).New)
	log.Warn().Msg("using in-memory loopback transport")

	broadcastHub := hub.New()
	defer broadcastHub.Close()

	batcher := batch.New(cfg.BatchMaxSize, cfg.BatchFlushInterval(), broadcastHub.PublishBatch)
	entityCache := cache.New(cfg.CacheTTL(), cfg.CacheMaxEntries)

	reg := registry.New(factory, entityCache, batcher, transport.Credentials{
		AppID:   cfg.AppID,
		AppHash: cfg.AppHash,
	}, store)

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.SessionRestoreTimeout)
		reg.Restore(ctx)
		cancel()
	}

	sweepJob := jobs.NewSweepJob(entityCache, cfg.CacheStaleThreshold(), cfg.CacheSweepInterval())
	sweepJob.Start()
	defer sweepJob.Stop()

	sessionHandler := handler.NewSessionHandler(reg)
	eventsHandler := handler.NewEventsHandler(broadcastHub)
	wsHandler := handler.NewWSHandler(broadcastHub)

	rateLimit := buildRateLimit(cfg)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.BodyLimit(config.MaxRequestBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"sessions":  reg.Count(),
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(rateLimit)
		r.Mount("/", sessionHandler.Routes())
	})

	r.Route("/v1/events", func(r chi.Router) {
		r.Get("/", eventsHandler.ServeHTTP)
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		// Streaming endpoints disable the write timeout.
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	reg.Shutdown(shutdownCtx)
	batcher.Stop()

	log.Info().Msg("server stopped")
}

func buildRateLimit(cfg *config.Config) func(http.Handler) http.Handler {
	limit := cfg.RateLimitPerMin
	if limit <= 0 {
		limit = config.DefaultRateLimitPerMin
	}

	if cfg.RedisURL != "" {
		client, err := redisclient.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		log.Info().Msg("redis connected, using shared rate limiting")
		return middleware.NewRedisRateLimitMiddleware(client.Client, limit).Handler
	}

	return middleware.NewRateLimitMiddleware(limit).Handler
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
