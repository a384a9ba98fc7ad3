package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rosterd/internal/persist"
	"rosterd/internal/persist/kafka"
	persistmetrics "rosterd/internal/persist/metrics"
	pgstore "rosterd/internal/persist/postgres"
	redisstore "rosterd/internal/persist/redis"
	"rosterd/internal/platform/config"
	"rosterd/internal/platform/httpserver"
	"rosterd/internal/platform/logger"
	platformredis "rosterd/internal/platform/redis"
	"rosterd/internal/sync/changelog"
	"rosterd/internal/sync/handler"
	"rosterd/internal/sync/hub"
	"rosterd/internal/sync/manager"
	syncmetrics "rosterd/internal/sync/metrics"
	"rosterd/internal/sync/models"
	"rosterd/internal/sync/resolver"
	"rosterd/internal/sync/store"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Engine logic lives in the internal sync and persist packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	strategy, err := models.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return err
	}

	chlog := changelog.New()
	res, err := resolver.New(strategy, chlog)
	if err != nil {
		return err
	}

	// Durable sinks: each one is optional and independently breakered.
	var sinks []persist.Sink

	var pg *pgstore.Store
	if cfg.Postgres.URL != "" {
		db, err := pgstore.Open(cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		pg = pgstore.New(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pg)
	}

	var rs *redisstore.Store
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		rs = redisstore.New(redisClient.Client)
		sinks = append(sinks, rs)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	pipeline := persist.New(sinks, log, persistmetrics.New())
	defer pipeline.Close()

	m := syncmetrics.New()
	h := hub.New(cfg.Sync.HeartbeatInterval, cfg.Sync.HeartbeatTimeout, log, m,
		hub.WithQueueDepth(cfg.Sync.ClientQueueDepth))

	mgr := manager.New(store.New(), chlog, res, h, pipeline, log, m)
	defer mgr.Close()

	if err := warmStart(ctx, mgr, rs, pg, log); err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", healthz(pipeline))
	handler.New(mgr, h, log).Register(router)

	srv := httpserver.New(cfg.Server.Addr, router)

	log.Info("starting rosterd",
		"addr", cfg.Server.Addr,
		"strategy", string(strategy),
		"sinks", len(sinks),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// warmStart seeds the in-memory store from the snapshot cache when
// available, else from the durable store. After this the in-memory state
// is the only authority.
func warmStart(ctx context.Context, mgr *manager.Manager, rs *redisstore.Store, pg *pgstore.Store, log *slog.Logger) error {
	if rs != nil {
		entities, err := rs.LoadEntities(ctx)
		if err != nil {
			return fmt.Errorf("warm start from redis: %w", err)
		}
		if len(entities) > 0 {
			mgr.LoadSnapshot(entities)
			log.Info("warm start complete", "source", "redis", "entities", len(entities))
			return nil
		}
	}
	if pg != nil {
		entities, err := pg.LoadEntities(ctx)
		if err != nil {
			return fmt.Errorf("warm start from postgres: %w", err)
		}
		mgr.LoadSnapshot(entities)
		log.Info("warm start complete", "source", "postgres", "entities", len(entities))
	}
	return nil
}

func healthz(pipeline *persist.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pipeline.Health(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
