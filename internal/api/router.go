package api

import (
	"net/http"

	"coursedrop/internal/config"
	"coursedrop/internal/hub"
	cdmiddleware "coursedrop/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, fileHandler *FileHandler, eventHub *hub.Hub, jwtVerifier *cdmiddleware.JWTVerifier) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cdmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(cdmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(cdmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	// websocket 自带消息级鉴权（authenticate 消息），升级请求本身不走 HTTP 鉴权
	if eventHub != nil {
		r.Get("/ws", hub.Handler(eventHub, cfg.CORSAllowedOrigins))
	}

	if fileHandler != nil {
		if cfg.AuthEnabled {
			r.Group(func(r chi.Router) {
				if cfg.AuthMode == "jwt" && jwtVerifier != nil {
					r.Use(cdmiddleware.JWTAuth(jwtVerifier))
				} else {
					r.Use(cdmiddleware.APIKeyAuth(cfg.APIKeys))
				}
				fileHandler.RegisterRoutes(r)
			})
		} else {
			// 无需鉴权（开发模式）
			fileHandler.RegisterRoutes(r)
		}
	}

	return r
}
