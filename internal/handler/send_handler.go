package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kizuna/internal/dispatch"
	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/middleware"
	"github.com/hitoshi/kizuna/internal/model"
)

// DispatchServiceInterface は送信ハンドラーが必要とするサービスインターフェース。
type DispatchServiceInterface interface {
	// SendNow はメッセージを即時送信する。
	SendNow(ctx context.Context, userID string, req *dispatch.SendRequest) (*gwork.SendResult, error)
	// CreateScheduled は予約送信メッセージを作成する。
	CreateScheduled(ctx context.Context, userID string, msg *model.ScheduledMessage) (*model.ScheduledMessage, error)
	// UpdateScheduled は送信待ちメッセージの編集可能フィールドを更新する。
	UpdateScheduled(ctx context.Context, userID string, msg *model.ScheduledMessage) (*model.ScheduledMessage, error)
	// CancelScheduled は予約送信メッセージを取り消す。紐付くシーケンスも連動する。
	CancelScheduled(ctx context.Context, userID, id string) error
	// ListScheduled はユーザーの予約送信メッセージ一覧を返す。
	ListScheduled(ctx context.Context, userID string) ([]*model.ScheduledMessage, error)
	// ProcessDueScheduled は期限を迎えた予約送信メッセージを送信する。
	ProcessDueScheduled(ctx context.Context, userID string) (*dispatch.ProcessResult, error)
}

// SendHandler は即時送信・予約送信のHTTPハンドラー。
type SendHandler struct {
	service DispatchServiceInterface
}

// NewSendHandler はSendHandlerを生成する。
func NewSendHandler(service DispatchServiceInterface) *SendHandler {
	return &SendHandler{service: service}
}

// sendRequest は即時送信リクエストのボディ。
type sendRequest struct {
	ContactID  *string  `json:"contact_id,omitempty"`
	To         string   `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	ThreadID   string   `json:"thread_id,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References string   `json:"references,omitempty"`
}

// scheduledRequest は予約送信の作成・編集リクエストのボディ。
type scheduledRequest struct {
	ContactID  *string   `json:"contact_id,omitempty"`
	To         string    `json:"to"`
	Cc         []string  `json:"cc,omitempty"`
	Bcc        []string  `json:"bcc,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ThreadID   string    `json:"thread_id,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References string    `json:"references,omitempty"`
	SendAt     time.Time `json:"send_at"`
}

// sendResultResponse は送信成功時のAPIレスポンス。
type sendResultResponse struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

// scheduledResponse は予約送信メッセージのAPIレスポンス。
type scheduledResponse struct {
	ID            string    `json:"id"`
	ContactID     *string   `json:"contact_id,omitempty"`
	To            string    `json:"to"`
	Cc            []string  `json:"cc,omitempty"`
	Bcc           []string  `json:"bcc,omitempty"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	ThreadID      string    `json:"thread_id,omitempty"`
	SendAt        time.Time `json:"send_at"`
	Status        string    `json:"status"`
	SentMessageID string    `json:"sent_message_id,omitempty"`
	SentThreadID  string    `json:"sent_thread_id,omitempty"`
}

// SendNow はメッセージを即時送信する。
// POST /api/messages/send
func (h *SendHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if req.To == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("宛先が指定されていません"))
		return
	}

	result, err := h.service.SendNow(r.Context(), userID, &dispatch.SendRequest{
		ContactID:  req.ContactID,
		To:         req.To,
		Cc:         req.Cc,
		Bcc:        req.Bcc,
		Subject:    req.Subject,
		Body:       req.Body,
		ThreadID:   req.ThreadID,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendResultResponse{
		MessageID: result.MessageID,
		ThreadID:  result.ThreadID,
	})
}

// CreateScheduled は予約送信メッセージを作成する。
// POST /api/scheduled
func (h *SendHandler) CreateScheduled(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req scheduledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if req.To == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("宛先が指定されていません"))
		return
	}

	msg, err := h.service.CreateScheduled(r.Context(), userID, &model.ScheduledMessage{
		ContactID:    req.ContactID,
		ToAddress:    req.To,
		CcAddresses:  req.Cc,
		BccAddresses: req.Bcc,
		Subject:      req.Subject,
		Body:         req.Body,
		ThreadID:     req.ThreadID,
		InReplyTo:    req.InReplyTo,
		References:   req.References,
		SendAt:       req.SendAt,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduledResponse(msg))
}

// ListScheduled は予約送信メッセージ一覧を返す。
// GET /api/scheduled
func (h *SendHandler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	msgs, err := h.service.ListScheduled(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]scheduledResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, toScheduledResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateScheduled は送信待ちメッセージを編集する。
// PATCH /api/scheduled/:id
func (h *SendHandler) UpdateScheduled(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req scheduledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	msg, err := h.service.UpdateScheduled(r.Context(), userID, &model.ScheduledMessage{
		ID:           chi.URLParam(r, "id"),
		ToAddress:    req.To,
		CcAddresses:  req.Cc,
		BccAddresses: req.Bcc,
		Subject:      req.Subject,
		Body:         req.Body,
		SendAt:       req.SendAt,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduledResponse(msg))
}

// CancelScheduled は予約送信メッセージを取り消す。
// DELETE /api/scheduled/:id
func (h *SendHandler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.CancelScheduled(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProcessDue は期限を迎えた予約送信メッセージを処理する。
// POST /api/scheduled/process
func (h *SendHandler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	result, err := h.service.ProcessDueScheduled(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// toScheduledResponse はmodel.ScheduledMessageからAPIレスポンスに変換する。
func toScheduledResponse(m *model.ScheduledMessage) scheduledResponse {
	return scheduledResponse{
		ID:            m.ID,
		ContactID:     m.ContactID,
		To:            m.ToAddress,
		Cc:            m.CcAddresses,
		Bcc:           m.BccAddresses,
		Subject:       m.Subject,
		Body:          m.Body,
		ThreadID:      m.ThreadID,
		SendAt:        m.SendAt,
		Status:        string(m.Status),
		SentMessageID: m.SentMessageID,
		SentThreadID:  m.SentThreadID,
	}
}
