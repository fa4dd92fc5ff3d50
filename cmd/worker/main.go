package main

import (
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/SirClappington/chunkq/internal/app"
	"github.com/SirClappington/chunkq/internal/config"
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
		app.Worker,
	).Run()
}
