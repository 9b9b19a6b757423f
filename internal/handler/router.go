package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 観測・基盤
	Logger          *slog.Logger
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// 接続管理
	CredentialService CredentialServiceInterface
	ConnectionConfig  ConnectionHandlerConfig

	// 同期
	MailSyncService     MailSyncServiceInterface
	CalendarSyncService CalendarSyncServiceInterface

	// メッセージ・送信
	MessageService  MessageServiceInterface
	DispatchService DispatchServiceInterface

	// フォローアップ・空き時間
	FollowUpService     FollowUpServiceInterface
	AvailabilityService AvailabilityServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → CSRF → RateLimit(General)
//
// /health、/metrics、/api/csrf-token は認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	connHandler := NewConnectionHandler(deps.CredentialService, deps.ConnectionConfig)
	syncHandler := NewSyncHandler(deps.MailSyncService, deps.CalendarSyncService)
	msgHandler := NewMessageHandler(deps.MessageService)
	sendHandler := NewSendHandler(deps.DispatchService)
	followUpHandler := NewFollowUpHandler(deps.FollowUpService)
	availHandler := NewAvailabilityHandler(deps.AvailabilityService)

	// --- 認証不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.PingContext(req.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// Googleアカウント接続
		r.Route("/api/connection", func(r chi.Router) {
			r.Get("/", connHandler.Status)
			r.Delete("/", connHandler.Revoke)
			r.Get("/google", connHandler.Connect)
			r.Get("/google/callback", connHandler.Callback)
			r.Delete("/calendar", connHandler.DisconnectCalendar)

			r.Route("/profiles/{name}", func(r chi.Router) {
				r.Put("/", connHandler.SaveProfile)
				r.Delete("/", connHandler.DeleteProfile)
			})
		})

		// 同期トリガー（同期専用レート制限を追加）
		r.Route("/api/sync", func(r chi.Router) {
			r.Use(deps.RateLimiter.SyncMiddleware())
			r.Post("/mail", syncHandler.SyncMail)
			r.Post("/mail/{contactID}", syncHandler.SyncMailContact)
			r.Post("/calendar", syncHandler.SyncCalendar)
		})

		// メッセージキャッシュ
		r.Route("/api/messages", func(r chi.Router) {
			r.Get("/", msgHandler.ListMessages)
			r.Post("/send", sendHandler.SendNow)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/read", msgHandler.MarkRead)
				r.Post("/trash", msgHandler.Trash)
				r.Post("/untrash", msgHandler.Untrash)
				r.Put("/hidden", msgHandler.Hide)
			})
		})

		// 予約送信
		r.Route("/api/scheduled", func(r chi.Router) {
			r.Post("/", sendHandler.CreateScheduled)
			r.Get("/", sendHandler.ListScheduled)
			r.Post("/process", sendHandler.ProcessDue)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", sendHandler.UpdateScheduled)
				r.Delete("/", sendHandler.CancelScheduled)
			})
		})

		// フォローアップシーケンス
		r.Route("/api/follow-ups", func(r chi.Router) {
			r.Post("/", followUpHandler.Create)
			r.Get("/", followUpHandler.List)
			r.Post("/process", followUpHandler.ProcessDue)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", followUpHandler.Get)
				r.Put("/steps", followUpHandler.ReplaceSteps)
				r.Delete("/", followUpHandler.Cancel)
			})
		})

		// 空き時間計算
		r.Post("/api/availability", availHandler.Compute)
	})

	return r
}
