package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/fx"

	"github.com/SirClappington/chunkq/internal/app"
	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/broker"
	"github.com/SirClappington/chunkq/internal/cli"
	"github.com/SirClappington/chunkq/internal/config"
	"github.com/SirClappington/chunkq/internal/exception"
	"github.com/SirClappington/chunkq/internal/launcher"
	"github.com/SirClappington/chunkq/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var fxApp *fx.App
	deps := func(ctx context.Context) (cli.Deps, error) {
		cfg, err := config.Load()
		if err != nil {
			return cli.Deps{}, err
		}
		var (
			brk   *broker.Broker
			store *storage.Store
			lnch  *launcher.Launcher
			reg   *batch.Registry
		)
		fxApp = fx.New(
			fx.Supply(cfg),
			app.Core,
			fx.NopLogger,
			fx.Populate(&brk, &store, &lnch, &reg),
		)
		if err := fxApp.Start(ctx); err != nil {
			return cli.Deps{}, err
		}
		return cli.Deps{Broker: brk, Ledger: store, Launcher: lnch, Catalog: reg, CallTimeout: cfg.CallTimeout}, nil
	}

	err := cli.NewRootCmd(deps).ExecuteContext(ctx)
	if fxApp != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = fxApp.Stop(stopCtx)
		cancel()
	}
	if err != nil {
		if errors.Is(err, exception.ErrNothingToDo) {
			fmt.Fprintln(os.Stderr, "nothing to do")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
