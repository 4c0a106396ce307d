package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/festival/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionValidator   middleware.SessionValidator
	UserFinder         middleware.UserFinder
	Cookies            middleware.CookieConfig
	AllowedOrigin      string
	HSTS               bool
	RateLimiter        *middleware.RateLimiter // nilの場合は/apiのレート制限を行わない
	ValidationRecorder middleware.ValidationRecorder
	RequestRecorder    middleware.RequestRecorder

	// 認証
	AuthService AuthService

	// ページ
	ProviderTokens ProviderTokens
	Artists        ArtistFetcher

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → Metrics → Session → Logging → OriginCheck
//
// 運用ルート（/health, /metrics）はSession以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	if deps.RequestRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.RequestRecorder))
	}

	// --- 運用ルート ---
	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies)
	pageHandler := NewPageHandler(deps.ProviderTokens, deps.Artists)

	var sessionOpts []middleware.SessionMiddlewareOption
	if deps.ValidationRecorder != nil {
		sessionOpts = append(sessionOpts, middleware.WithValidationRecorder(deps.ValidationRecorder))
	}

	// --- アプリケーションルート ---
	// ミドルウェアスタック: Session → Logging → OriginCheck
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionValidator, deps.UserFinder, deps.Cookies, sessionOpts...))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewOriginCheckMiddleware(deps.AllowedOrigin))

		// ページ
		r.Get("/", pageHandler.Index)
		r.Get("/login", pageHandler.Login)
		r.With(middleware.RequireUser).Get("/favorites", pageHandler.Favorites)

		// OAuthフロー
		r.Get("/login/spotify", authHandler.Login)
		r.Get("/login/spotify/callback", authHandler.Callback)

		// サインアウト
		r.Post("/logout", authHandler.Logout)
		r.Post("/logout/all", authHandler.LogoutAll)

		// JSON API
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.RequireAPIUser)
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Get("/me", Me)
		})
	})

	return r
}
