package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/tavern-relay/internal/handler/chat"
	"github.com/zhouzirui/tavern-relay/internal/handler/persona"
	"github.com/zhouzirui/tavern-relay/internal/handler/stream"
	"github.com/zhouzirui/tavern-relay/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/tavern-relay/internal/middleware"
	sessionService "github.com/zhouzirui/tavern-relay/internal/service/session"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// Options 路由的可选参数
type Options struct {
	// Gatherer 为空时不暴露 /metrics。
	Gatherer prometheus.Gatherer
	// StreamHeartbeat SSE 心跳间隔，零值使用默认值。
	StreamHeartbeat time.Duration
	// Usage 为空时 /stats 只返回内存中的统计。
	Usage chat.UsageSource
}

// NewRouter wires HTTP routes to core services.
func NewRouter(personas persona.Catalog, coord *sessionService.Coordinator, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": coord.Stats().Sessions,
		})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	personaHandler := persona.New(personas)
	var chatOpts []chat.Option
	if opts.Usage != nil {
		chatOpts = append(chatOpts, chat.WithUsage(opts.Usage))
	}
	chatHandler := chat.New(coord, chatOpts...)
	streamHandler := stream.New(coord, opts.StreamHeartbeat)
	wsHandler := ws.New(coord)

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
