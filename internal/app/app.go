package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kizuna/internal/availability"
	"github.com/hitoshi/kizuna/internal/calsync"
	"github.com/hitoshi/kizuna/internal/config"
	"github.com/hitoshi/kizuna/internal/credential"
	"github.com/hitoshi/kizuna/internal/database"
	"github.com/hitoshi/kizuna/internal/dispatch"
	"github.com/hitoshi/kizuna/internal/followup"
	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/handler"
	"github.com/hitoshi/kizuna/internal/logger"
	"github.com/hitoshi/kizuna/internal/mailsync"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/middleware"
	"github.com/hitoshi/kizuna/internal/repository"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandProcess:
		return runProcess(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// services はドメインサービス一式をまとめた構造体。
// runServeとrunProcessの両方で同じワイヤリングを共有する。
type services struct {
	credRepo    repository.CredentialRepository
	sessionRepo repository.SessionRepository
	manager     *credential.Manager
	mailEngine  *mailsync.Engine
	calEngine   *calsync.Engine
	dispatcher  *dispatch.Dispatcher
	sequencer   *followup.Sequencer
	calculator  *availability.Calculator
	collector   *metrics.Collector
	registry    *prometheus.Registry
}

// buildServices はリポジトリとドメインサービスをワイヤリングする。
func buildServices(cfg *config.Config, db *sql.DB) *services {
	// 1. リポジトリの初期化
	credRepo := repository.NewPostgresCredentialRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	contactRepo := repository.NewPostgresContactRepo(db)
	msgRepo := repository.NewPostgresMessageRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	scheduledRepo := repository.NewPostgresScheduledMessageRepo(db)
	followUpRepo := repository.NewPostgresFollowUpRepo(db)

	// 2. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. プロバイダークライアントと資格情報マネージャーの初期化
	oauthClient := gwork.NewGoogleOAuthClient(gwork.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	factory := gwork.NewGoogleConnectionFactory()
	manager := credential.NewManager(credRepo, msgRepo, oauthClient, factory, slog.Default())

	// 4. ドメインサービスの初期化
	mailEngine := mailsync.NewEngine(
		manager, credRepo, contactRepo, msgRepo, collector, slog.Default(),
		cfg.MailSyncDefaultSinceDays, cfg.MailSyncPageSize, cfg.MailSyncMaxConcurrent,
	)
	calEngine := calsync.NewEngine(
		manager, credRepo, contactRepo, eventRepo, collector, slog.Default(),
		cfg.CalendarSyncCooldown, cfg.CalendarForceSyncCooldown, cfg.CalendarFullWindowDays,
	)
	dispatcher := dispatch.NewDispatcher(
		manager, scheduledRepo, followUpRepo, msgRepo, collector, slog.Default(),
	)
	sequencer := followup.NewSequencer(
		manager, followUpRepo, msgRepo, scheduledRepo, dispatcher, collector, slog.Default(),
	)
	calculator := availability.NewCalculator(manager, credRepo, collector, slog.Default())

	return &services{
		credRepo:    credRepo,
		sessionRepo: sessionRepo,
		manager:     manager,
		mailEngine:  mailEngine,
		calEngine:   calEngine,
		dispatcher:  dispatcher,
		sequencer:   sequencer,
		calculator:  calculator,
		collector:   collector,
		registry:    registry,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. サービスのワイヤリング
	svc := buildServices(cfg, db)

	// 3. レートリミッターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSync),
	)
	defer rateLimiter.Stop()

	// 4. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:          slog.Default(),
		HealthChecker:   db,
		MetricsGatherer: svc.registry,

		SessionFinder:     svc.sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		CredentialService: svc.manager,
		ConnectionConfig: handler.ConnectionHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		MailSyncService:     svc.mailEngine,
		CalendarSyncService: svc.calEngine,

		MessageService:  svc.mailEngine,
		DispatchService: svc.dispatcher,

		FollowUpService:     svc.sequencer,
		AvailabilityService: svc.calculator,
	}

	router := handler.NewRouter(deps)

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runProcess は定期処理モードで起動する。
// 接続済みの全ユーザーについて、期限を迎えた予約送信とフォローアップを
// 周期的に処理する。SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runProcess(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (process)")

	// 2. サービスのワイヤリング
	svc := buildServices(cfg, db)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down process loop...")
		cancel()
	}()

	slog.Info("process loop starting",
		slog.Duration("interval", cfg.ProcessInterval),
	)

	// 起動直後に1回実行
	processAllUsers(ctx, svc, cfg.SyncTimeout)

	ticker := time.NewTicker(cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("process loop stopped gracefully")
			return nil
		case <-ticker.C:
			processAllUsers(ctx, svc, cfg.SyncTimeout)
		}
	}
}

// processAllUsers は接続済みの全ユーザーについて期限処理を1パス実行する。
// ユーザー単位の失敗は記録して続行し、パス全体は中断しない。
func processAllUsers(ctx context.Context, svc *services, timeout time.Duration) {
	userIDs, err := svc.credRepo.ListUserIDs(ctx)
	if err != nil {
		slog.Error("failed to list connected users", slog.String("error", err.Error()))
		return
	}

	for _, userID := range userIDs {
		userCtx, cancel := context.WithTimeout(ctx, timeout)

		if result, err := svc.dispatcher.ProcessDueScheduled(userCtx, userID); err != nil {
			slog.Error("予約送信の処理に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else if result.Sent > 0 || result.Errors > 0 {
			slog.Info("予約送信を処理しました",
				slog.String("user_id", userID),
				slog.Int("sent", result.Sent),
				slog.Int("errors", result.Errors),
			)
		}

		if result, err := svc.sequencer.ProcessDue(userCtx, userID); err != nil {
			slog.Error("フォローアップの処理に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else if result.Sent > 0 || result.Cancelled > 0 || result.Errors > 0 {
			slog.Info("フォローアップを処理しました",
				slog.String("user_id", userID),
				slog.Int("sent", result.Sent),
				slog.Int("cancelled", result.Cancelled),
				slog.Int("errors", result.Errors),
			)
		}

		cancel()
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
