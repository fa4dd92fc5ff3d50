package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/app"
	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/broker"
	"github.com/SirClappington/chunkq/internal/config"
	"github.com/SirClappington/chunkq/internal/promoter"
	"github.com/SirClappington/chunkq/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fx.New(
		fx.Supply(cfg),
		app.Core,
		fx.Provide(newPromoter),
		fx.Invoke(run),
	).Run()
}

func newPromoter(cfg config.Config, q *queue.RedisQ, db app.Database, reg *batch.Registry, log *zap.Logger) *promoter.Promoter {
	var leader promoter.Leader
	if db.Pool != nil {
		leader = promoter.NewAdvisoryLock(db.Pool, promoter.LockKey)
	}
	return promoter.New(q, leader, log, promoter.Options{
		Queues:   app.Queues(cfg, reg),
		Interval: cfg.PromoteInterval,
		Batch:    cfg.PromoteBatch,
	})
}

// run depends on the broker so that its lifecycle pings redis on start and
// closes the connections on stop.
func run(lc fx.Lifecycle, _ *broker.Broker, p *promoter.Promoter, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := p.Run(ctx); err != nil {
					log.Warn("promoter stopped", zap.Error(err))
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
