package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kizuna/internal/middleware"
	"github.com/hitoshi/kizuna/internal/model"
)

// defaultMessageLimit はメッセージ一覧のデフォルト取得件数。
const defaultMessageLimit = 100

// MessageServiceInterface はメッセージハンドラーが必要とするサービスインターフェース。
type MessageServiceInterface interface {
	// ListMessages はキャッシュ済みメッセージ一覧を返す。contactIDが空の場合は全件。
	ListMessages(ctx context.Context, userID, contactID string, limit int) ([]*model.CachedMessage, error)
	// MarkRead は既読状態をプロバイダーとキャッシュの両方に反映する。
	MarkRead(ctx context.Context, userID, externalID string, read bool) error
	// SetTrashed はゴミ箱状態をプロバイダーとキャッシュの両方に反映する。
	SetTrashed(ctx context.Context, userID, externalID string, trashed bool) error
	// SetHidden はローカルの非表示フラグを更新する。
	SetHidden(ctx context.Context, userID, externalID string, hidden bool) error
}

// MessageHandler はキャッシュメッセージ閲覧・操作のHTTPハンドラー。
type MessageHandler struct {
	service MessageServiceInterface
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service MessageServiceInterface) *MessageHandler {
	return &MessageHandler{service: service}
}

// messageResponse はキャッシュメッセージのAPIレスポンス。
type messageResponse struct {
	ExternalID   string    `json:"external_id"`
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	Snippet      string    `json:"snippet"`
	FromAddress  string    `json:"from_address"`
	ToAddresses  []string  `json:"to_addresses"`
	InternalDate time.Time `json:"internal_date"`
	IsRead       bool      `json:"is_read"`
	IsTrashed    bool      `json:"is_trashed"`
	IsHidden     bool      `json:"is_hidden"`
	Direction    string    `json:"direction"`
	ContactID    *string   `json:"contact_id,omitempty"`
}

// flagRequest は既読・非表示フラグ更新リクエストのボディ。
type flagRequest struct {
	Value bool `json:"value"`
}

// ListMessages はキャッシュ済みメッセージ一覧を返す。
// GET /api/messages?contact_id=xxx&limit=100
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	msgs, err := h.service.ListMessages(r.Context(), userID, r.URL.Query().Get("contact_id"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// MarkRead はメッセージの既読状態を更新する。
// PUT /api/messages/:id/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.updateFlag(w, r, h.service.MarkRead)
}

// Trash はメッセージをゴミ箱へ移動する。
// POST /api/messages/:id/trash
func (h *MessageHandler) Trash(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.SetTrashed(r.Context(), userID, chi.URLParam(r, "id"), true); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Untrash はメッセージをゴミ箱から復元する。
// POST /api/messages/:id/untrash
func (h *MessageHandler) Untrash(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.SetTrashed(r.Context(), userID, chi.URLParam(r, "id"), false); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Hide はメッセージの非表示フラグを更新する。
// PUT /api/messages/:id/hidden
func (h *MessageHandler) Hide(w http.ResponseWriter, r *http.Request) {
	h.updateFlag(w, r, h.service.SetHidden)
}

// updateFlag はフラグ更新系エンドポイントの共通処理。
func (h *MessageHandler) updateFlag(w http.ResponseWriter, r *http.Request, update func(ctx context.Context, userID, externalID string, value bool) error) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if err := update(r.Context(), userID, chi.URLParam(r, "id"), req.Value); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toMessageResponse はmodel.CachedMessageからAPIレスポンスに変換する。
func toMessageResponse(m *model.CachedMessage) messageResponse {
	return messageResponse{
		ExternalID:   m.ExternalID,
		ThreadID:     m.ThreadID,
		Subject:      m.Subject,
		Snippet:      m.Snippet,
		FromAddress:  m.FromAddress,
		ToAddresses:  m.ToAddresses,
		InternalDate: m.InternalDate,
		IsRead:       m.IsRead,
		IsTrashed:    m.IsTrashed,
		IsHidden:     m.IsHidden,
		Direction:    string(m.Direction),
		ContactID:    m.ContactID,
	}
}
