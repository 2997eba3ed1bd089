package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"decendata/internal/config"
	ddmiddleware "decendata/internal/middleware"
)

// Handlers 汇总路由需要的各个处理器，AI 为空时不注册对应端点。
type Handlers struct {
	Files *FileHandler
	Users *UserHandler
	AI    *AIHandler
}

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, logger zerolog.Logger, auth *ddmiddleware.Authenticator, h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(ddmiddleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(ddmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(ddmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow, ""))
	r.Use(ddmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if h.Users != nil {
			// 登录与注册共用一个更严格的限流器
			r.Group(func(r chi.Router) {
				r.Use(ddmiddleware.RateLimit(cfg.AuthRateLimitRequests, cfg.RateLimitWindow, ddmiddleware.AuthRateLimitMessage))
				h.Users.RegisterAuthRoutes(r)
			})
		}

		// 可匿名访问，携带有效令牌时识别调用者
		r.Group(func(r chi.Router) {
			r.Use(auth.Optional())
			if h.Files != nil {
				h.Files.RegisterPublicRoutes(r)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Require())
			if h.Users != nil {
				h.Users.RegisterRoutes(r)
			}
			if h.Files != nil {
				h.Files.RegisterRoutes(r)
			}
			if h.AI != nil {
				h.AI.RegisterRoutes(r)
			}
		})
	})

	return r
}
