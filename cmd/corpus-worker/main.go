package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/virelle/corpus/internal/application"
	"github.com/virelle/corpus/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	reindex := flag.Bool("reindex", false, "rebuild the search index and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	app, err := application.New(cfg)
	if err != nil {
		slog.Error("failed to assemble application", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *reindex {
		if err := app.Index.ReindexAll(ctx, app.DB); err != nil {
			slog.Error("reindex failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("reindex complete")
		return
	}

	slog.Info("worker started")
	if err := app.Broker.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
