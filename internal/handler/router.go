// Package handler はHTTP APIのルーティングとハンドラーを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedtree/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	Collections CollectionService

	Events         EventSubscriber
	EventBuffer    int
	EventHeartbeat time.Duration
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → RateLimit(General)
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	ch := NewCollectionHandler(deps.Collections)
	eh := NewEventsHandler(deps.Events, deps.EventBuffer, deps.EventHeartbeat)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/tree", ch.GetTree)

		r.Route("/api/collections", func(r chi.Router) {
			r.Get("/", ch.GetTree)
			r.Post("/", ch.AddCollection)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", ch.DeleteCollection)
				r.Put("/position", ch.MoveCollection)
				r.Get("/items", ch.ListItems)
			})
		})

		r.Put("/api/items/{id}/read", ch.MarkRead)

		// 手動リフレッシュは専用のレート制限を追加する
		r.With(deps.RateLimiter.RefreshMiddleware()).Post("/api/refresh", ch.Refresh)

		r.Get("/api/events", eh.Stream)

		r.Route("/api/preferences", func(r chi.Router) {
			r.Get("/", ch.GetPreferences)
			r.Put("/", ch.UpdatePreferences)
			r.Put("/expanded/{id}", ch.SetExpanded)
		})

		r.Route("/api/opml", func(r chi.Router) {
			r.Get("/", ch.ExportOPML)
			r.Post("/", ch.ImportOPML)
		})
	})

	return r
}
