package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/api"
	"github.com/SirClappington/chunkq/internal/app"
	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/broker"
	"github.com/SirClappington/chunkq/internal/config"
	"github.com/SirClappington/chunkq/internal/launcher"
	"github.com/SirClappington/chunkq/internal/metrics"
	"github.com/SirClappington/chunkq/internal/storage"
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
		fx.Provide(newServer),
		fx.Invoke(serve),
	).Run()
}

func newServer(brk *broker.Broker, store *storage.Store, lnch *launcher.Launcher, reg *batch.Registry,
	rdb *r.Client, rec *metrics.Recorder, log *zap.Logger) *api.Server {
	ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return api.New(brk, store, lnch, reg, ping, rec.Handler(), log)
}

func serve(lc fx.Lifecycle, cfg config.Config, s *api.Server, log *zap.Logger) {
	srv := &http.Server{Addr: cfg.APIAddr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("api listening", zap.String("addr", cfg.APIAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("api server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
