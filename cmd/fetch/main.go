package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketdata/internal/aggregate"
	"marketdata/internal/app"
	"marketdata/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	build := func(cfg config.Config, log *slog.Logger) (*aggregate.Engine, error) {
		return app.Build(cfg, log, nil)
	}
	if err := newRootCmd(build).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
