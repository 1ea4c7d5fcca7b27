package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/bridge"
	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/executor"
	"github.com/petrijr/stepflow/internal/metrics"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/resolver"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

// app is one fully wired engine process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	redis   *redis.Client
	mongo   *mongo.Client
	store   persistence.Store
	queue   taskqueue.Queue
	hub     *bridge.Hub
	metrics *metrics.PrometheusObserver

	engine api.Orchestrator
	worker *worker.Worker
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: cfg.NewLogger()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openClients(ctx); err != nil {
		return err
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}

	a.hub = bridge.NewHub(a.logger)
	publishers := bridge.MultiPublisher{a.hub}
	auditors := bridge.MultiAuditor{bridge.LogAuditor{Logger: a.logger}}
	if a.redis != nil {
		publishers = append(publishers, bridge.NewRedisPublisher(a.redis, cfg.Redis.Prefix))
	}
	if a.mongo != nil {
		auditor := bridge.NewMongoAuditor(a.mongo, cfg.Mongo.Database, "")
		if err := auditor.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo audit indexes: %w", err)
		}
		auditors = append(auditors, auditor)
	}
	notifier := bridge.LogNotifier{Logger: a.logger}
	b := bridge.New(
		bridge.WithLogger(a.logger),
		bridge.WithAuditor(auditors),
		bridge.WithPublisher(publishers),
		bridge.WithNotifier(notifier),
	)

	a.metrics = metrics.NewPrometheusObserver(nil, a.queue.Len)

	dir := resolver.NewStaticDirectory()
	for _, u := range cfg.Users {
		dir.AddUser(api.User{ID: u.ID, Email: u.Email}, u.Roles...)
	}

	exec := executor.New(executor.Config{
		Logger:       a.logger,
		Integrations: executor.NewIntegrationRegistry(cfg.Integrations...),
		Notifier:     notifier,
		DB:           a.db,
		HTTP:         cfg.HTTPPolicy(),
	})

	a.engine = engine.NewEngineWithConfig(engine.Config{
		Store:    a.store,
		Queue:    a.queue,
		Executor: exec,
		Resolver: resolver.New(dir),
		Observer: api.NewCompositeObserver(b, a.metrics, api.NewLoggingObserver(a.logger)),
		Notifier: b,
		Logger:   a.logger,
	})
	a.worker = worker.NewWithConfig(a.engine, a.queue, worker.Config{
		MaxAttempts: cfg.Workers.MaxAttempts,
		RetryDelay:  cfg.Workers.RetryDelay,
		Logger:      a.logger,
	})
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	var err error
	switch a.cfg.Store.Driver {
	case "memory":
		a.store = persistence.NewInMemoryStore()
		return nil
	case "sqlite":
		if a.db, err = sql.Open("sqlite", a.cfg.Store.DSN); err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.store, err = persistence.NewSQLiteStore(ctx, a.db)
	case "postgres":
		if a.db, err = sql.Open("pgx", a.cfg.Store.DSN); err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.store, err = persistence.NewPostgresStore(ctx, a.db)
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return err
}

func (a *app) openClients(ctx context.Context) error {
	if a.cfg.Redis.Enabled || a.cfg.Queue.Driver == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	if a.cfg.Mongo.Enabled || a.cfg.Queue.Driver == "mongo" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		a.mongo = client
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mongo ping: %w", err)
		}
	}
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	poll := a.cfg.Queue.PollInterval
	var err error
	switch a.cfg.Queue.Driver {
	case "memory":
		a.queue = taskqueue.NewInMemoryQueue()
	case "sqlite":
		a.queue, err = taskqueue.NewSQLiteQueue(ctx, a.db, poll)
	case "postgres":
		a.queue, err = taskqueue.NewPostgresQueue(ctx, a.db, poll)
	case "mongo":
		a.queue = taskqueue.NewMongoQueue(a.mongo, a.cfg.Mongo.Database, a.cfg.Queue.Collection, poll)
	case "redis":
		a.queue = taskqueue.NewRedisQueue(a.redis, a.cfg.Queue.Prefix, poll)
	default:
		return fmt.Errorf("unknown queue driver %q", a.cfg.Queue.Driver)
	}
	return err
}

// Close releases every client the app opened.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.mongo != nil {
		errs = append(errs, a.mongo.Disconnect(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
