// Package app assembles the engine and its collaborators from config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"escalator/internal/config"
	"escalator/internal/db"
	"escalator/internal/engine"
	"escalator/internal/events"
	"escalator/internal/lock"
	"escalator/internal/migrate"
	"escalator/internal/notify"
	"escalator/internal/observability"
	"escalator/internal/repo"
	"escalator/internal/server"
)

type Options struct {
	Workspace string
	// DBPath overrides the default .escalator/escalator.db under Workspace.
	DBPath string
	Config *config.Config
	// Logger replaces the logger built from Config.Log.
	Logger *zap.Logger
	// TraceOutput receives stdout spans. Defaults to os.Stderr.
	TraceOutput io.Writer
}

// App is a fully wired escalator instance.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Journal    events.Writer
	Engine     *engine.Engine
	Scanner    *engine.Scanner
	Dispatcher *notify.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger

	redis         *redis.Client
	traceShutdown func(context.Context) error
}

// Open connects storage, applies migrations and wires the engine. The
// dispatcher is created but not started.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}
	traceOut := opts.TraceOutput
	if traceOut == nil {
		traceOut = os.Stderr
	}
	shutdown, err := observability.InitTracing(cfg.Tracing.Exporter, traceOut)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Metrics: observability.NewMetrics(), traceShutdown: shutdown}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.DB = conn
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.Repo{DB: conn}
	a.Journal = events.Writer{DB: conn}

	locker, err := a.locker(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Dispatcher = notify.NewDispatcher(cfg.Notifications, notify.BuildSinks(cfg.Notifications, logger), logger, a.Metrics)
	a.Engine = engine.New(engine.Deps{
		Rules:     a.Repo,
		Items:     a.Repo,
		Directory: a.Repo,
		States:    a.Repo,
		Audit:     a.Repo,
		Journal:   a.Journal,
		Notifier:  a.Dispatcher,
		Locker:    locker,
		Logger:    logger,
		Metrics:   a.Metrics,
	}, EngineConfig(cfg))
	a.Scanner = &engine.Scanner{
		Engine:   a.Engine,
		Interval: cfg.Scanner.Interval.Std(),
		Workers:  cfg.Scanner.Workers,
		Logger:   logger.Named("scanner"),
	}
	return a, nil
}

// EngineConfig maps the engine section of cfg onto engine.Config.
func EngineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	if len(cfg.Engine.ClosedStatuses) > 0 {
		ec.ClosedStatuses = append([]string(nil), cfg.Engine.ClosedStatuses...)
	}
	ec.Cooldown = cfg.Scanner.Cooldown.Std()
	ec.Retry = engine.RetryPolicy{
		Attempts: cfg.Engine.Retry.Attempts,
		Base:     cfg.Engine.Retry.BaseDelay.Std(),
		Max:      cfg.Engine.Retry.MaxDelay.Std(),
	}
	return ec
}

func (a *App) locker(ctx context.Context) (engine.Locker, error) {
	locks := a.Config.Locks
	if locks.Backend != "redis" {
		return lock.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     locks.Redis.Addr,
		Password: locks.Redis.Password,
		DB:       locks.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", locks.Redis.Addr, err)
	}
	a.redis = client
	l := lock.NewRedis(client, locks.TTL.Std())
	l.Logger = a.Logger.Named("lock")
	return l, nil
}

// Handler builds the HTTP API over the app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Scanner:  a.Scanner,
		Store:    a.Repo,
		Journal:  a.Journal,
		Roles:    a.Config.RolePermissions(),
		Metrics:  a.Metrics,
		Logger:   a.Logger,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:        JWTSecret(a.Config),
			AllowActorHeader: a.Config.Server.AllowActorHeader,
		},
	})
}

// Close drains the dispatcher and releases every connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.traceShutdown != nil {
		errs = append(errs, a.traceShutdown(ctx))
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
