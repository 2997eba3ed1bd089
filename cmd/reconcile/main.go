package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"decendata/internal/config"
	"decendata/internal/database"
	"decendata/internal/logging"
	"decendata/internal/service"
	"decendata/internal/storage/driver"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report drift without unpinning or rewriting stats")
	grace := flag.Duration("grace", 0, "skip orphans pinned more recently than this (default RECONCILE_GRACE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.New(cfg.ServiceName+"-reconcile", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metadata, err := database.OpenMetadata(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open metadata store")
	}
	defer metadata.Close(context.Background())

	blobs, err := driver.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open blob store")
	}

	opts := service.ReconcileOptions{DryRun: *dryRun, Grace: cfg.ReconcileGrace}
	if *grace > 0 {
		opts.Grace = *grace
	}

	report, err := service.NewReconciler(metadata.Files, metadata.Users, blobs, logger).Run(ctx, opts)
	if err != nil {
		logger.Error().Err(err).Msg("reconciliation failed")
		stop()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error().Err(err).Msg("write report")
	}
}
