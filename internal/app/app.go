package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/festival/internal/auth"
	"github.com/hitoshi/festival/internal/config"
	"github.com/hitoshi/festival/internal/database"
	"github.com/hitoshi/festival/internal/handler"
	"github.com/hitoshi/festival/internal/logger"
	"github.com/hitoshi/festival/internal/metrics"
	"github.com/hitoshi/festival/internal/middleware"
	"github.com/hitoshi/festival/internal/repository"
	"github.com/hitoshi/festival/internal/security"
	"github.com/hitoshi/festival/internal/session"
	"github.com/hitoshi/festival/internal/spotify"
	"github.com/hitoshi/festival/internal/tokencrypt"
	"github.com/hitoshi/festival/internal/user"
	"github.com/hitoshi/festival/internal/worker/cleanup"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
	shutdownTimeout = 30 * time.Second
	// minWriteTimeout はレスポンス書き込みタイムアウトの下限。
	minWriteTimeout = 15 * time.Second
	// writeTimeoutHeadroom はプロバイダー呼び出し以外の処理（DB、暗号化）に見込む時間。
	writeTimeoutHeadroom = 5 * time.Second
)

// serverWriteTimeout はログインコールバックがレスポンスを返し終えられる書き込みタイムアウトを返す。
// コールバックはトークン交換と本人情報取得の2回、それぞれproviderTimeoutまでIdPを待つ。
func serverWriteTimeout(providerTimeout time.Duration) time.Duration {
	d := 2*providerTimeout + writeTimeoutHeadroom
	if d < minWriteTimeout {
		return minWriteTimeout
	}
	return d
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// storage はリポジトリとその後始末をまとめたもの。
type storage struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	health   handler.HealthChecker // memoryドライバーではnil
	close    func() error
}

// openStorage はSTORAGE_DRIVERに応じてリポジトリを初期化する。
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Warn("using in-memory storage; sessions are lost on restart")
		return &storage{
			users:    repository.NewMemoryUserRepo(),
			sessions: repository.NewMemorySessionRepo(),
			close:    func() error { return nil },
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	return &storage{
		users:    repository.NewPostgresUserRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
		health:   db,
		close:    db.Close,
	}, nil
}

// Application は配線済みのHTTPハンドラーとバックグラウンドジョブを保持する。
type Application struct {
	Handler     http.Handler
	CleanupJob  *cleanup.CleanupJob
	rateLimiter *middleware.RateLimiter
	storage     *storage
}

// Close はアプリケーションが保持するリソースを解放する。
func (a *Application) Close() error {
	a.rateLimiter.Stop()
	return a.storage.close()
}

// Build は設定から全依存関係をワイヤリングしたApplicationを生成する。
// 返されたApplicationは使用後にCloseすること。
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Application, error) {
	// 1. トークン暗号化
	sealer, err := tokencrypt.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token sealer: %w", err)
	}

	// 2. ストレージ
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービス
	sessionStore := session.NewStore(store.sessions, session.Policy{
		Lifetime:      cfg.SessionLifetime,
		RenewFraction: cfg.SessionRenewFraction,
	})
	userService := user.NewService(store.users, security.NewDisplayNameSanitizer())

	providerClient := &http.Client{Timeout: cfg.ProviderTimeout}
	provider := auth.NewSpotifyOAuthProvider(auth.SpotifyOAuthConfig{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		RedirectURL:  cfg.SpotifyRedirectURL,
		HTTPClient:   providerClient,
	})
	authService := auth.NewService(provider, userService, sessionStore, sealer, collector, auth.ServiceConfig{
		ProviderTimeout: cfg.ProviderTimeout,
	})

	spotifyClient := spotify.NewClient(providerClient, cfg.SpotifyAPIRate, log).WithRecorder(collector)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitAPI))

	deps := &handler.RouterDeps{
		Logger:           log,
		SessionValidator: sessionStore,
		UserFinder:       userService,
		Cookies: middleware.CookieConfig{
			Secure:      cfg.CookieSecure,
			Domain:      cfg.CookieDomain,
			StateMaxAge: cfg.OAuthStateMaxAge,
		},
		AllowedOrigin:      cfg.AllowedOrigin(),
		HSTS:               cfg.CookieSecure,
		RateLimiter:        rateLimiter,
		ValidationRecorder: collector,
		RequestRecorder:    collector,

		AuthService: authService,

		ProviderTokens: authService,
		Artists:        spotifyClient,

		HealthChecker:  store.health,
		MetricsHandler: metrics.Handler(registry),
	}

	return &Application{
		Handler:     handler.NewRouter(deps),
		CleanupJob:  cleanup.NewCleanupJob(sessionStore, log, collector),
		rateLimiter: rateLimiter,
		storage:     store,
	}, nil
}

// runServe はHTTPサーバーとセッションクリーンアップワーカーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERMを受信する）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	application, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer application.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      application.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: serverWriteTimeout(cfg.ProviderTimeout),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		application.CleanupJob.Start(gctx, cfg.SessionCleanupInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Info("memory storage driver selected; no migrations to run")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runCleanup は期限切れセッションの削除を1回だけ実行する。
// cronなど外部スケジューラーから起動する用途を想定する。
func runCleanup(ctx context.Context, cfg *config.Config) error {
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	sessionStore := session.NewStore(store.sessions, session.Policy{
		Lifetime:      cfg.SessionLifetime,
		RenewFraction: cfg.SessionRenewFraction,
	})
	job := cleanup.NewCleanupJob(sessionStore, slog.Default(), nil)

	if _, err := job.Run(ctx); err != nil {
		return err
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

var _ handler.HealthChecker = (*sql.DB)(nil)
