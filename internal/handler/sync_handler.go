package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kizuna/internal/calsync"
	"github.com/hitoshi/kizuna/internal/mailsync"
	"github.com/hitoshi/kizuna/internal/middleware"
)

// MailSyncServiceInterface はメール同期ハンドラーが必要とするサービスインターフェース。
type MailSyncServiceInterface interface {
	// SyncAll はユーザーの全連絡先を同期する。
	SyncAll(ctx context.Context, userID string) (*mailsync.SyncResult, error)
	// SyncOne は指定連絡先のみを同期する。
	SyncOne(ctx context.Context, userID, contactID string) (*mailsync.SyncResult, error)
}

// CalendarSyncServiceInterface はカレンダー同期ハンドラーが必要とするサービスインターフェース。
type CalendarSyncServiceInterface interface {
	// Sync はユーザーのカレンダーを同期する。forceはクールダウンを短縮する。
	Sync(ctx context.Context, userID string, force bool) (*calsync.SyncResult, error)
}

// SyncHandler は同期トリガーのHTTPハンドラー。
type SyncHandler struct {
	mail     MailSyncServiceInterface
	calendar CalendarSyncServiceInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(mail MailSyncServiceInterface, calendar CalendarSyncServiceInterface) *SyncHandler {
	return &SyncHandler{
		mail:     mail,
		calendar: calendar,
	}
}

// SyncMail は全連絡先のメール同期を実行する。
// POST /api/sync/mail
func (h *SyncHandler) SyncMail(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	result, err := h.mail.SyncAll(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SyncMailContact は指定連絡先のメール同期を実行する。
// POST /api/sync/mail/:contactID
func (h *SyncHandler) SyncMailContact(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	result, err := h.mail.SyncOne(r.Context(), userID, chi.URLParam(r, "contactID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SyncCalendar はカレンダー同期を実行する。
// POST /api/sync/calendar?force=true
func (h *SyncHandler) SyncCalendar(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	force := r.URL.Query().Get("force") == "true"

	result, err := h.calendar.Sync(r.Context(), userID, force)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
