package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kizuna/internal/middleware"
	"github.com/hitoshi/kizuna/internal/model"
)

const oauthStateCookie = "oauth_state"

// CredentialServiceInterface は接続ハンドラーが必要とするサービスインターフェース。
type CredentialServiceInterface interface {
	// AuthURL は認可画面のURLを生成する。
	AuthURL(state string) string
	// StoreTokens は認可コードをトークンに交換して永続化する。
	StoreTokens(ctx context.Context, userID, authCode string) (*model.Credential, error)
	// Status は接続状態の表示用にCredentialを取得する。未接続の場合はnilを返す。
	Status(ctx context.Context, userID string) (*model.Credential, error)
	// Revoke は接続を解除し、資格情報とメッセージキャッシュを削除する。
	Revoke(ctx context.Context, userID string) error
	// DisconnectCalendar はカレンダーのみの切断を行う。
	DisconnectCalendar(ctx context.Context, userID string) error
	// SaveProfile は名前付き空き時間プロファイルを保存する。
	SaveProfile(ctx context.Context, userID, name string, profile model.AvailabilityProfile) error
	// DeleteProfile は名前付き空き時間プロファイルを削除する。
	DeleteProfile(ctx context.Context, userID, name string) error
}

// ConnectionHandlerConfig は接続ハンドラーの設定。
type ConnectionHandlerConfig struct {
	BaseURL      string
	CookieDomain string
	CookieSecure bool
}

// ConnectionHandler はGoogleアカウント接続関連のHTTPハンドラー。
type ConnectionHandler struct {
	service CredentialServiceInterface
	config  ConnectionHandlerConfig
}

// NewConnectionHandler はConnectionHandlerを生成する。
func NewConnectionHandler(service CredentialServiceInterface, config ConnectionHandlerConfig) *ConnectionHandler {
	return &ConnectionHandler{
		service: service,
		config:  config,
	}
}

// connectionResponse は接続状態のAPIレスポンス。
type connectionResponse struct {
	Connected            bool       `json:"connected"`
	AccountEmail         string     `json:"account_email,omitempty"`
	CalendarScopeGranted bool       `json:"calendar_scope_granted"`
	MailLastSyncedAt     *time.Time `json:"mail_last_synced_at,omitempty"`
	CalendarLastSyncedAt *time.Time `json:"calendar_last_synced_at,omitempty"`
	CalendarTimezone     string     `json:"calendar_timezone,omitempty"`
	ProfileNames         []string   `json:"profile_names,omitempty"`
}

// Connect はGoogleアカウント接続フローを開始する。
// GET /api/connection/google
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
			Code:     "INTERNAL_ERROR",
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback は認可コールバックを処理し、トークンを保存する。
// GET /api/connection/google/callback?code=xxx&state=yyy
func (h *ConnectionHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	// stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("user_id", userID))
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	if _, err := h.service.StoreTokens(r.Context(), userID, code); err != nil {
		slog.Error("oauth code exchange failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "connection failed", http.StatusInternalServerError)
		return
	}

	// 設定画面へリダイレクト
	http.Redirect(w, r, h.config.BaseURL+"/settings?connected=1", http.StatusTemporaryRedirect)
}

// Status は接続状態を返す。
// GET /api/connection
func (h *ConnectionHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	cred, err := h.service.Status(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if cred == nil {
		writeJSON(w, http.StatusOK, connectionResponse{Connected: false})
		return
	}

	resp := connectionResponse{
		Connected:            true,
		AccountEmail:         cred.AccountEmail,
		CalendarScopeGranted: cred.CalendarScopeGranted,
		MailLastSyncedAt:     cred.MailLastSyncedAt,
		CalendarLastSyncedAt: cred.CalendarLastSyncedAt,
		CalendarTimezone:     cred.CalendarTimezone,
	}
	for name := range cred.Profiles {
		resp.ProfileNames = append(resp.ProfileNames, name)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Revoke は接続を解除する。
// DELETE /api/connection
func (h *ConnectionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Revoke(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisconnectCalendar はカレンダーのみを切断する。
// DELETE /api/connection/calendar
func (h *ConnectionHandler) DisconnectCalendar(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.DisconnectCalendar(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveProfile は名前付き空き時間プロファイルを保存する。
// PUT /api/connection/profiles/:name
func (h *ConnectionHandler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	name := chi.URLParam(r, "name")

	var profile model.AvailabilityProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if err := h.service.SaveProfile(r.Context(), userID, name, profile); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteProfile は名前付き空き時間プロファイルを削除する。
// DELETE /api/connection/profiles/:name
func (h *ConnectionHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.DeleteProfile(r.Context(), userID, chi.URLParam(r, "name")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// generateState は暗号的に安全なOAuth stateパラメータを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
