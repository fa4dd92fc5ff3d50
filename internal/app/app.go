// Package app wires the dispatcher processes with fx.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/batches"
	"github.com/SirClappington/chunkq/internal/bisect"
	"github.com/SirClappington/chunkq/internal/broker"
	"github.com/SirClappington/chunkq/internal/config"
	"github.com/SirClappington/chunkq/internal/executor"
	"github.com/SirClappington/chunkq/internal/hooks"
	"github.com/SirClappington/chunkq/internal/launcher"
	"github.com/SirClappington/chunkq/internal/logger"
	"github.com/SirClappington/chunkq/internal/metrics"
	"github.com/SirClappington/chunkq/internal/queue"
	"github.com/SirClappington/chunkq/internal/storage"
	"github.com/SirClappington/chunkq/internal/worker"
)

// DefaultQueue serves remote calls and tasks not tied to a batch.
const DefaultQueue = "default"

// Database holds the optional Postgres pool. Pool is nil when POSTGRES_DSN is unset.
type Database struct {
	Pool *pgxpool.Pool
}

// Registration adds a batch to the registry. Provide it in the "batches" group:
//
//	fx.Provide(fx.Annotate(newInvoice, fx.ResultTags(`group:"batches"`)))
type Registration struct {
	Name    string
	Factory batch.Factory
}

// Core provides the components shared by every process. The caller supplies
// config.Config.
var Core = fx.Options(
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	}),
	fx.Provide(
		newLogger,
		newRedis,
		newDatabase,
		newResolver,
		newRegistry,
		metrics.New,
		newQueue,
		newStore,
		newBroker,
		newTxManager,
		newExecutor,
		newController,
		newHooks,
		newLauncher,
	),
)

// Worker runs the queue consumer until the application stops.
var Worker = fx.Options(
	fx.Provide(newWorker),
	fx.Invoke(runWorker, serveMetrics),
)

func newLogger(cfg config.Config) *zap.Logger {
	return logger.New(cfg.Log)
}

func newRedis(cfg config.Config) (*r.Client, error) {
	opts, err := r.ParseURL(cfg.BrokerURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse BROKER_URL")
	}
	return r.NewClient(opts), nil
}

func newDatabase(cfg config.Config, log *zap.Logger) (Database, error) {
	if cfg.PostgresDSN == "" {
		log.Info("no POSTGRES_DSN, running without database transactions")
		return Database{}, nil
	}
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return Database{}, errors.Wrap(err, "open postgres pool")
	}
	return Database{Pool: pool}, nil
}

func newResolver(cfg config.Config) (*config.Resolver, error) {
	return config.NewResolver(cfg.BatchConfig, cfg.BatchLogDir, cfg.WorkerConcurrency)
}

type registryParams struct {
	fx.In

	Resolver      *config.Resolver
	DB            Database
	Log           *zap.Logger
	Registrations []Registration `group:"batches"`
}

func newRegistry(p registryParams) (*batch.Registry, error) {
	reg := batch.NewRegistry(p.Resolver)
	if p.DB.Pool != nil {
		if err := batches.Register(reg, p.DB.Pool, p.Log); err != nil {
			return nil, err
		}
	}
	for _, rg := range p.Registrations {
		if err := reg.Register(rg.Name, rg.Factory); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newQueue(rdb *r.Client, log *zap.Logger) *queue.RedisQ {
	return queue.New(rdb, log)
}

func newStore(cfg config.Config, rdb *r.Client) *storage.Store {
	return storage.New(rdb, cfg.JobResultTTL)
}

func newBroker(lc fx.Lifecycle, cfg config.Config, q *queue.RedisQ, store *storage.Store,
	rdb *r.Client, db Database, log *zap.Logger) *broker.Broker {
	brk := broker.New(q, store, rdb, log, broker.Options{JobTTL: cfg.JobTTL})
	if db.Pool != nil {
		brk.OnShutdown(func() error {
			db.Pool.Close()
			return nil
		})
	}
	lc.Append(fx.Hook{OnStart: brk.Start, OnStop: brk.Shutdown})
	return brk
}

func newTxManager(db Database) storage.TxManager {
	if db.Pool == nil {
		return storage.NopTxManager{}
	}
	return storage.NewTxManager(db.Pool)
}

func newExecutor(cfg config.Config, reg *batch.Registry, tx storage.TxManager, log *zap.Logger) *executor.Executor {
	return executor.New(reg, tx, log, executor.Options{
		User:    cfg.BatchUser,
		Retries: cfg.DBRetry,
		Policy:  bisect.Policy{MaxDepth: cfg.BisectMaxDepth},
	})
}

func newController(brk *broker.Broker, log *zap.Logger) *bisect.Controller {
	return bisect.NewController(brk, log)
}

func newHooks(store *storage.Store, log *zap.Logger) *hooks.Hooks {
	return hooks.New(store, log)
}

func newLauncher(reg *batch.Registry, res *config.Resolver, brk *broker.Broker, store *storage.Store,
	rec *metrics.Recorder, log *zap.Logger) *launcher.Launcher {
	return launcher.New(reg, res, brk, store, rec, log)
}

type workerParams struct {
	fx.In

	Config     config.Config
	Queue      *queue.RedisQ
	Registry   *batch.Registry
	Executor   *executor.Executor
	Controller *bisect.Controller
	Hooks      *hooks.Hooks
	Launcher   *launcher.Launcher
	Metrics    *metrics.Recorder
	Log        *zap.Logger
}

func newWorker(p workerParams) *worker.Worker {
	return worker.New(p.Queue, p.Registry, p.Executor, p.Controller, p.Hooks, p.Launcher, p.Metrics, p.Log, worker.Options{
		Queues:      Queues(p.Config, p.Registry),
		Concurrency: p.Config.WorkerConcurrency,
		Block:       p.Config.WorkerBlock,
		ResultTTL:   p.Config.JobResultTTL,
	})
}

// Queues returns WORKER_QUEUES, or every registered batch queue plus the
// default queue when it is unset.
func Queues(cfg config.Config, reg *batch.Registry) []string {
	if len(cfg.WorkerQueues) > 0 {
		return cfg.WorkerQueues
	}
	return append(reg.Names(), DefaultQueue)
}

func runWorker(lc fx.Lifecycle, w *worker.Worker, sd fx.Shutdowner, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := w.Run(ctx); err != nil {
					log.Error("worker failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stop context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stop.Done():
				return stop.Err()
			}
		},
	})
}

func serveMetrics(lc fx.Lifecycle, cfg config.Config, rec *metrics.Recorder, log *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: rec.Handler(), ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
