package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"decendata/internal/config"
	"decendata/internal/migrations"
	"decendata/internal/repository"
	"decendata/internal/repository/memory"
	mongorepo "decendata/internal/repository/mongo"
	"decendata/internal/repository/postgres"
)

// Metadata 是按 METADATA_DRIVER 选出的元数据存储。
type Metadata struct {
	Driver string
	Files  repository.FileRepository
	Users  repository.UserRepository
	close  func(context.Context) error
}

// Close 释放底层连接。
func (m *Metadata) Close(ctx context.Context) error {
	if m == nil || m.close == nil {
		return nil
	}
	return m.close(ctx)
}

// OpenMetadata 连接配置指定的元数据存储，并按需执行迁移或建索引。
func OpenMetadata(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Metadata, error) {
	switch cfg.MetadataDriver {
	case config.MetadataPostgres:
		db, err := Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			applied, err := migrations.New(db, logger).Apply(ctx)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info().Strs("applied", applied).Msg("schema up to date")
		}
		return &Metadata{
			Driver: cfg.MetadataDriver,
			Files:  postgres.NewFileRepository(db),
			Users:  postgres.NewUserRepository(db),
			close:  func(context.Context) error { return db.Close() },
		}, nil

	case config.MetadataMongo:
		client, db, err := ConnectMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		files := mongorepo.NewFileRepository(db)
		users := mongorepo.NewUserRepository(db)
		for _, ix := range []interface{ EnsureIndexes(context.Context) error }{files, users} {
			if err := ix.EnsureIndexes(ctx); err != nil {
				_ = client.Disconnect(context.Background())
				return nil, fmt.Errorf("ensure mongo indexes: %w", err)
			}
		}
		return &Metadata{
			Driver: cfg.MetadataDriver,
			Files:  files,
			Users:  users,
			close:  client.Disconnect,
		}, nil

	case config.MetadataMemory:
		logger.Warn().Msg("using in-memory metadata store; data is lost on restart")
		return &Metadata{
			Driver: cfg.MetadataDriver,
			Files:  memory.NewFileRepository(),
			Users:  memory.NewUserRepository(),
		}, nil
	}
	return nil, fmt.Errorf("unknown metadata driver %q", cfg.MetadataDriver)
}
