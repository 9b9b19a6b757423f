package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kizuna/internal/followup"
	"github.com/hitoshi/kizuna/internal/middleware"
	"github.com/hitoshi/kizuna/internal/model"
)

// FollowUpServiceInterface はフォローアップハンドラーが必要とするサービスインターフェース。
type FollowUpServiceInterface interface {
	// Create はフォローアップシーケンスを作成する。
	Create(ctx context.Context, userID string, input *followup.CreateInput) (*model.FollowUpSequence, error)
	// Get は指定IDのシーケンスをステップ込みで取得する。
	Get(ctx context.Context, userID, id string) (*model.FollowUpSequence, error)
	// List はユーザーの全シーケンスを返す。
	List(ctx context.Context, userID string) ([]*model.FollowUpSequence, error)
	// ReplacePending は未送信ステップを差し替える。
	ReplacePending(ctx context.Context, userID, id string, steps []followup.StepInput) (*model.FollowUpSequence, error)
	// CancelByUser はシーケンスをユーザー操作で取り消す。
	CancelByUser(ctx context.Context, userID, id string) error
	// ProcessDue はアクティブな全シーケンスを処理する。
	ProcessDue(ctx context.Context, userID string) (*followup.ProcessResult, error)
}

// FollowUpHandler はフォローアップシーケンスのHTTPハンドラー。
type FollowUpHandler struct {
	service FollowUpServiceInterface
}

// NewFollowUpHandler はFollowUpHandlerを生成する。
func NewFollowUpHandler(service FollowUpServiceInterface) *FollowUpHandler {
	return &FollowUpHandler{service: service}
}

// createFollowUpRequest はシーケンス作成リクエストのボディ。
// 送信済みメッセージに紐付ける場合はorigin_message_idとanchor_sent_atを、
// 予約送信に紐付ける場合はscheduled_message_idを指定する。
type createFollowUpRequest struct {
	ContactID          *string              `json:"contact_id,omitempty"`
	ScheduledMessageID *string              `json:"scheduled_message_id,omitempty"`
	OriginMessageID    string               `json:"origin_message_id,omitempty"`
	ThreadID           string               `json:"thread_id,omitempty"`
	Recipient          string               `json:"recipient"`
	OriginalSubject    string               `json:"original_subject"`
	AnchorSentAt       time.Time            `json:"anchor_sent_at"`
	Steps              []followup.StepInput `json:"steps"`
}

// replaceStepsRequest は未送信ステップ差し替えリクエストのボディ。
type replaceStepsRequest struct {
	Steps []followup.StepInput `json:"steps"`
}

// followUpMessageResponse はシーケンス内ステップのAPIレスポンス。
type followUpMessageResponse struct {
	ID        string     `json:"id"`
	SeqNo     int        `json:"seq_no"`
	DelayDays int        `json:"delay_days"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Status    string     `json:"status"`
	SendAt    time.Time  `json:"send_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// followUpResponse はフォローアップシーケンスのAPIレスポンス。
type followUpResponse struct {
	ID                 string                    `json:"id"`
	ContactID          *string                   `json:"contact_id,omitempty"`
	ScheduledMessageID *string                   `json:"scheduled_message_id,omitempty"`
	OriginMessageID    string                    `json:"origin_message_id,omitempty"`
	ThreadID           string                    `json:"thread_id,omitempty"`
	Recipient          string                    `json:"recipient"`
	OriginalSubject    string                    `json:"original_subject"`
	AnchorSentAt       time.Time                 `json:"anchor_sent_at"`
	Status             string                    `json:"status"`
	Messages           []followUpMessageResponse `json:"messages"`
}

// Create はフォローアップシーケンスを作成する。
// POST /api/follow-ups
func (h *FollowUpHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req createFollowUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	seq, err := h.service.Create(r.Context(), userID, &followup.CreateInput{
		ContactID:          req.ContactID,
		ScheduledMessageID: req.ScheduledMessageID,
		OriginMessageID:    req.OriginMessageID,
		ThreadID:           req.ThreadID,
		Recipient:          req.Recipient,
		OriginalSubject:    req.OriginalSubject,
		AnchorSentAt:       req.AnchorSentAt,
		Steps:              req.Steps,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFollowUpResponse(seq))
}

// List はフォローアップシーケンス一覧を返す。
// GET /api/follow-ups
func (h *FollowUpHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	seqs, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]followUpResponse, 0, len(seqs))
	for _, seq := range seqs {
		resp = append(resp, toFollowUpResponse(seq))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はシーケンス詳細を取得する。
// GET /api/follow-ups/:id
func (h *FollowUpHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	seq, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFollowUpResponse(seq))
}

// ReplaceSteps は未送信ステップを差し替える。
// PUT /api/follow-ups/:id/steps
func (h *FollowUpHandler) ReplaceSteps(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req replaceStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	seq, err := h.service.ReplacePending(r.Context(), userID, chi.URLParam(r, "id"), req.Steps)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFollowUpResponse(seq))
}

// Cancel はシーケンスを取り消す。
// DELETE /api/follow-ups/:id
func (h *FollowUpHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.CancelByUser(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProcessDue は期限を迎えたフォローアップを処理する。
// POST /api/follow-ups/process
func (h *FollowUpHandler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	result, err := h.service.ProcessDue(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// toFollowUpResponse はmodel.FollowUpSequenceからAPIレスポンスに変換する。
func toFollowUpResponse(seq *model.FollowUpSequence) followUpResponse {
	messages := make([]followUpMessageResponse, 0, len(seq.Messages))
	for _, m := range seq.Messages {
		messages = append(messages, followUpMessageResponse{
			ID:        m.ID,
			SeqNo:     m.SeqNo,
			DelayDays: m.DelayDays,
			Subject:   m.Subject,
			Body:      m.Body,
			Status:    string(m.Status),
			SendAt:    m.SendAt,
			SentAt:    m.SentAt,
		})
	}
	return followUpResponse{
		ID:                 seq.ID,
		ContactID:          seq.ContactID,
		ScheduledMessageID: seq.ScheduledMessageID,
		OriginMessageID:    seq.OriginMessageID,
		ThreadID:           seq.ThreadID,
		Recipient:          seq.Recipient,
		OriginalSubject:    seq.OriginalSubject,
		AnchorSentAt:       seq.AnchorSentAt,
		Status:             string(seq.Status),
		Messages:           messages,
	}
}
