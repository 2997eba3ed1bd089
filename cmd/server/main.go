package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"decendata/internal/annotation"
	"decendata/internal/api"
	"decendata/internal/config"
	"decendata/internal/cryptox"
	"decendata/internal/database"
	"decendata/internal/logging"
	"decendata/internal/middleware"
	"decendata/internal/service"
	"decendata/internal/storage/driver"
	"decendata/internal/tracing"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("env", cfg.Env).Msg("配置加载完成，开始启动服务")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("服务异常退出")
	}
	logger.Info().Msg("服务已停止")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, version, cfg.OTelEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn().Err(err).Msg("关闭 tracer 失败")
		}
	}()

	metadata, err := database.OpenMetadata(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := metadata.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("关闭元数据存储失败")
		}
	}()

	blobs, err := driver.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	fileOpts := []service.FileOption{
		service.WithMaxUploadBytes(cfg.MaxUploadBytes),
		service.WithLogger(logger),
	}
	if len(cfg.EncryptionKey) > 0 {
		sealer, err := cryptox.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		fileOpts = append(fileOpts, service.WithSealer(sealer))
		logger.Info().Msg("静态加密已启用")
	}
	files := service.NewFileService(metadata.Files, metadata.Users, blobs, fileOpts...)

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		Secret:     cfg.JWTSecret,
		TTL:        cfg.JWTTTL,
		JWKSURL:    cfg.JWKSURL,
		JWKSAPIKey: cfg.JWKSAPIKey,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer auth.Close()

	users := service.NewUserService(metadata.Users, metadata.Files, auth, service.WithUserLogger(logger))

	annotator, closeCache, err := newAnnotator(ctx, cfg, logger, metadata, files)
	if err != nil {
		return err
	}
	defer closeCache()
	files.AddObserver(annotator)

	if cfg.ReconcileInterval > 0 {
		reconciler := service.NewReconciler(metadata.Files, metadata.Users, blobs, logger)
		go reconciler.RunEvery(ctx, cfg.ReconcileInterval, service.ReconcileOptions{Grace: cfg.ReconcileGrace})
		logger.Info().Dur("interval", cfg.ReconcileInterval).Msg("定期对账已启用")
	}

	router := api.NewRouter(cfg, logger, auth, api.Handlers{
		Files: api.NewFileHandler(files, cfg.PublicBaseURL),
		Users: api.NewUserHandler(users),
		AI:    api.NewAIHandler(annotator),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		ReadHeaderTimeout: 10 * time.Second,
		// 上传与下载体积较大，读写超时放宽
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		Handler:      otelhttp.NewHandler(router, cfg.ServiceName),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("服务开始监听")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("优雅关闭失败")
	}
	return nil
}

// newAnnotator 组装标注流水线：未配置 AI_API_KEY 时只使用启发式规则。
func newAnnotator(ctx context.Context, cfg *config.Config, logger zerolog.Logger, md *database.Metadata, files *service.FileService) (*annotation.Annotator, func(), error) {
	opts := []annotation.Option{
		annotation.WithBatch(cfg.AIBatchSize, cfg.AIBatchDelay),
		annotation.WithAnnotatorLogger(logger),
	}

	if cfg.AIAPIKey != "" {
		completer, err := annotation.NewOpenAICompleter(annotation.CompleterConfig{
			APIKey:  cfg.AIAPIKey,
			BaseURL: cfg.AIBaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, annotation.WithCompleter(completer, cfg.AIModel))
	} else {
		logger.Warn().Msg("AI_API_KEY 未设置，标注将使用启发式规则")
	}

	closeCache := func() {}
	if cfg.RedisAddr != "" {
		client, err := annotation.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, annotation.WithCache(annotation.NewRedisCache(client, cfg.AICacheTTL)))
		closeCache = func() { _ = client.Close() }
		logger.Info().Str("addr", cfg.RedisAddr).Msg("标注缓存使用 Redis")
	} else {
		opts = append(opts, annotation.WithCache(annotation.NewMemoryCache(cfg.AICacheTTL)))
	}

	return annotation.NewAnnotator(md.Files, md.Users, files, opts...), closeCache, nil
}
