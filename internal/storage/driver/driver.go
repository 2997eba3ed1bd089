// Package driver 根据配置选择内容存储实现。
package driver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"decendata/internal/config"
	"decendata/internal/storage"
	"decendata/internal/storage/local"
	"decendata/internal/storage/pinata"
	"decendata/internal/storage/s3"
)

// Open 创建 STORAGE_DRIVER 指定的存储，并包装追踪。
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.BlobStore, error) {
	var (
		store storage.BlobStore
		err   error
	)
	switch cfg.StorageDriver {
	case config.StoragePinata:
		store, err = pinata.New(pinata.Config{
			APIURL:     cfg.PinataAPIURL,
			GatewayURL: cfg.PinataGatewayURL,
			JWT:        cfg.PinataJWT,
			AppTag:     cfg.ServiceName,
		})
	case config.StorageS3:
		store, err = s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case config.StorageLocal:
		store, err = local.New(cfg.StorageDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s storage: %w", cfg.StorageDriver, err)
	}

	logger.Info().Str("driver", cfg.StorageDriver).Msg("blob store ready")
	return storage.WithTracing(store, cfg.StorageDriver), nil
}
