package main

import (
	"context"
	"flag"
	"os"

	"decendata/internal/config"
	"decendata/internal/database"
	"decendata/internal/logging"
	"decendata/internal/migrations"
)

func main() {
	status := flag.Bool("status", false, "list pending migrations without applying them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.New(cfg.ServiceName+"-migrate", cfg.LogLevel, cfg.LogFormat)

	if cfg.MetadataDriver != config.MetadataPostgres {
		logger.Info().Str("driver", cfg.MetadataDriver).Msg("当前元数据存储无需 SQL 迁移")
		return
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()

	m := migrations.New(db, logger)
	if *status {
		pending, err := m.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("list pending migrations")
		}
		logger.Info().Strs("pending", pending).Msg("migration status")
		if len(pending) > 0 {
			db.Close()
			os.Exit(1)
		}
		return
	}

	applied, err := m.Apply(ctx)
	if err != nil {
		db.Close()
		logger.Fatal().Err(err).Strs("applied", applied).Msg("apply migrations")
	}
	logger.Info().Int("count", len(applied)).Msg("migrations applied")
}
