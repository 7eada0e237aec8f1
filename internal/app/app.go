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
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/feedtree/internal/collection"
	"github.com/hitoshi/feedtree/internal/config"
	"github.com/hitoshi/feedtree/internal/database"
	"github.com/hitoshi/feedtree/internal/feed"
	"github.com/hitoshi/feedtree/internal/handler"
	"github.com/hitoshi/feedtree/internal/logger"
	"github.com/hitoshi/feedtree/internal/metrics"
	"github.com/hitoshi/feedtree/internal/middleware"
	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/notify"
	"github.com/hitoshi/feedtree/internal/repository"
	"github.com/hitoshi/feedtree/internal/security"
	"github.com/hitoshi/feedtree/internal/worker/cleanup"
	"github.com/hitoshi/feedtree/internal/worker/fetch"
)

const (
	cleanupInterval = 24 * time.Hour
	shutdownTimeout = 30 * time.Second
	pingTimeout     = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、設定のログレベルでJSON構造化ログをセットアップする。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。argsにはos.Args[1:]を渡す。
// サブコマンドを省略した場合は serve として起動する。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// components はサーバーとワーカーで共有する依存関係。
type components struct {
	db          *sql.DB
	registry    *prometheus.Registry
	bus         *notify.Bus
	coordinator *fetch.Coordinator
	collections *collection.Service
	sessions    *repository.PostgresSessionRepo
	cleanup     *cleanup.CleanupJob
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.FetchMaxConcurrent * 4,
		MaxIdleConns:    cfg.FetchMaxConcurrent,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, pingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// wire は全依存関係を構築する。
func wire(cfg *config.Config, db *sql.DB) *components {
	log := slog.Default()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	collectionRepo := repository.NewPostgresCollectionRepo(db)
	refreshStore := repository.NewPostgresRefreshStore(db)
	itemRepo := repository.NewPostgresItemRepo(db)
	prefsRepo := repository.NewPostgresPreferencesRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	ssrfGuard := security.NewSSRFGuard(cfg.AllowPrivateFeeds)
	sanitizer := security.NewContentSanitizer()

	bus := notify.NewBus(log, collector)

	fetcher := fetch.NewFetcher(ssrfGuard, sanitizer, log, cfg.FetchTimeout, cfg.FetchMaxSize)
	coordinator := fetch.NewCoordinator(refreshStore, fetcher, bus, collector, fetch.SystemClock{}, log, fetch.Config{
		MaxConcurrent:   cfg.FetchMaxConcurrent,
		InlineRetries:   cfg.FetchInlineRetries,
		RetryDelay:      cfg.FetchRetryDelay,
		MaxAttempts:     cfg.FetchMaxAttempts,
		DefaultInterval: time.Duration(cfg.DefaultRefreshInterval) * time.Minute,
	})

	resolver := feed.NewResolver(feed.NewFeedDetector(ssrfGuard), feed.NewFaviconFetcher(ssrfGuard), log)

	collections := collection.NewService(collection.Deps{
		Collections: collectionRepo,
		Counts:      refreshStore,
		Items:       itemRepo,
		Preferences: prefsRepo,
		Resolver:    resolver,
		Refresher:   coordinator,
		Notifier:    bus,
		Logger:      log,
	}, collection.Config{DefaultRefreshInterval: cfg.DefaultRefreshInterval})

	cleanupJob := cleanup.NewCleanupJob(itemRepo, sessionRepo, log)
	cleanupJob.RetentionDays = cfg.ItemRetentionDays

	return &components{
		db:          db,
		registry:    registry,
		bus:         bus,
		coordinator: coordinator,
		collections: collections,
		sessions:    sessionRepo,
		cleanup:     cleanupJob,
	}
}

// runServe はAPIサーバーとリフレッシュスケジューラを1プロセスで起動する。
// 変更通知はプロセス内で配信されるため、スケジューラも同じプロセスで動かす。
// ctx がキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c := wire(cfg, db)

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitRefresh))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     c.sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(c.registry),
		Collections:       c.collections,
		Events:            c.bus,
		EventBuffer:       cfg.EventBuffer,
		EventHeartbeat:    cfg.EventHeartbeat,
	})

	// SSEの長時間接続を切らないよう WriteTimeout は設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	background := runBackground(bgCtx, cfg, c)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// SSE接続はShutdownでは閉じないため、先にイベントバスを閉じて購読を終わらせる
	c.bus.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	cancelBg()
	<-background
	c.coordinator.Stop()

	if serveErr != nil {
		return fmt.Errorf("server listen error: %w", serveErr)
	}
	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はリフレッシュスケジューラとクリーンアップジョブのみを起動する。
// /metrics は ServerPort で公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c := wire(cfg, db)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(c.registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	<-runBackground(ctx, cfg, c)
	slog.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	c.coordinator.Stop()
	c.bus.Close()

	slog.Info("worker stopped gracefully")
	return nil
}

// runBackground はスケジューラとクリーンアップジョブを起動する。
// 返すチャネルは両方が終了すると閉じられる。
func runBackground(ctx context.Context, cfg *config.Config, c *components) <-chan struct{} {
	done := make(chan struct{})
	cleanupDone := make(chan struct{})

	go func() {
		defer close(cleanupDone)
		c.cleanup.Start(ctx, cleanupInterval)
	}()
	go func() {
		defer close(done)
		c.coordinator.Start(ctx, cfg.FetchInterval)
		<-cleanupDone
	}()
	return done
}

// runMigrate はすべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runImportOPML はOPMLファイルをユーザーのツリーに取り込む。
// 取り込んだフィードは次回のスケジューラ実行でリフレッシュされる。
func runImportOPML(ctx context.Context, cfg *config.Config, out io.Writer, userID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open OPML file: %w", err)
	}
	defer f.Close()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := collection.NewService(collection.Deps{
		Collections: repository.NewPostgresCollectionRepo(db),
		Counts:      repository.NewPostgresRefreshStore(db),
		Items:       repository.NewPostgresItemRepo(db),
		Preferences: repository.NewPostgresPreferencesRepo(db),
		Logger:      slog.Default(),
	}, collection.Config{DefaultRefreshInterval: cfg.DefaultRefreshInterval})

	res, err := svc.ImportOPML(ctx, userID, f)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Fprintf(out, "imported %d feeds and %d folders (%d skipped)\n", res.Feeds, res.Folders, res.Skipped)
	return nil
}

// runCreateSession はユーザーのセッションを発行し、セッションIDを出力する。
// 認証基盤を持たない環境でAPIを利用するためのもの。
func runCreateSession(ctx context.Context, cfg *config.Config, out io.Writer, userID string) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	now := time.Now().UTC()
	session := &model.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(cfg.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := repository.NewPostgresSessionRepo(db).Create(ctx, session); err != nil {
		return err
	}

	slog.Info("session created",
		slog.String("user_id", userID),
		slog.Time("expires_at", session.ExpiresAt),
	)
	fmt.Fprintln(out, session.ID)
	return nil
}

// runHealthcheck は /health にHTTPリクエストを送り、結果を返す。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.Redacted()
}
