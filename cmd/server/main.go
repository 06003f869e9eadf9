package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/playperu/hunt/internal/config"
	"github.com/playperu/hunt/internal/database"
	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/handler/health"
	"github.com/playperu/hunt/internal/live"
	"github.com/playperu/hunt/internal/migrations"
	"github.com/playperu/hunt/internal/runtimes"
	"github.com/playperu/hunt/internal/sandbox"
	"github.com/playperu/hunt/internal/server"
	"github.com/playperu/hunt/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// bus is where the store publishes domain events and the dispatcher
// consumes them.
type bus interface {
	events.Publisher
	Events() <-chan events.Event
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- SQLite ---
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	version, err := migrations.Run(ctx, db)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("connected to sqlite", "path", cfg.DBPath, "schema_version", version)

	g, gctx := errgroup.WithContext(ctx)
	checks := map[string]health.Checker{"sqlite": dbChecker{db}}

	// --- Events ---
	var eb bus
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()

		rb, err := events.NewRedisBus(ctx, rdb, cfg.RedisChannel, logger)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", cfg.RedisChannel, err)
		}
		g.Go(func() error { return rb.Run(gctx) })
		eb = rb
		checks["redis"] = redisChecker{rdb}
		logger.Info("connected to redis", "channel", cfg.RedisChannel)
	} else {
		eb = events.NewLocalBus(logger, events.DefaultBuffer)
	}

	// --- Scripts ---
	sb := sandbox.New(sandbox.Limits{
		Instructions: cfg.ScriptInstructionLimit,
		Memory:       cfg.ScriptMemoryLimit,
		Timeout:      cfg.ScriptTimeout,
	}, sandbox.WithPoolSize(cfg.SandboxPoolSize), sandbox.WithLogger(logger))
	defer sb.Close()
	checks["sandbox"] = health.CheckerFunc(func(ctx context.Context) error {
		_, err := sb.Run(ctx, "return true", nil)
		return err
	})
	reg := runtimes.New(sb, logger)

	st := store.New(db, eb, reg, logger, store.WithCooldown(cfg.GuessCooldown))

	if cfg.SeedDemo {
		if err := server.SeedDemo(ctx, logger, st); err != nil {
			return fmt.Errorf("seeding demo hunt: %w", err)
		}
	}

	// --- Live updates ---
	hub := live.NewHub(logger)
	dispatcher := live.NewDispatcher(st, hub, logger)
	g.Go(func() error { return dispatcher.Run(gctx, eb.Events()) })

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, st, reg, hub, func(r chi.Router) {
		r.Mount("/healthz", health.NewHandler(logger, checks).Routes())
	})

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// dbChecker adapts *sql.DB to health.Checker.
type dbChecker struct{ db *sql.DB }

func (d dbChecker) Check(ctx context.Context) error { return d.db.PingContext(ctx) }

// redisChecker adapts *redis.Client to health.Checker.
type redisChecker struct{ client *redis.Client }

func (r redisChecker) Check(ctx context.Context) error { return r.client.Ping(ctx).Err() }
