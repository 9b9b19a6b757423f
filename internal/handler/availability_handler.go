package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/kizuna/internal/availability"
	"github.com/hitoshi/kizuna/internal/middleware"
	"github.com/hitoshi/kizuna/internal/model"
)

// AvailabilityServiceInterface は空き時間ハンドラーが必要とするサービスインターフェース。
type AvailabilityServiceInterface interface {
	// Compute は指定期間の予約可能スロットを日単位で計算する。
	Compute(ctx context.Context, userID string, q *availability.Query) ([]model.AvailabilityWindow, error)
}

// AvailabilityHandler は空き時間計算のHTTPハンドラー。
type AvailabilityHandler struct {
	service AvailabilityServiceInterface
}

// NewAvailabilityHandler はAvailabilityHandlerを生成する。
func NewAvailabilityHandler(service AvailabilityServiceInterface) *AvailabilityHandler {
	return &AvailabilityHandler{service: service}
}

// availabilityRequest は空き時間計算リクエストのボディ。
// profile_nameと直接指定のprofileはどちらか一方のみ指定する。
// 両方が空の場合はデフォルトプロファイルを適用する。
type availabilityRequest struct {
	From        time.Time                  `json:"from"`
	To          time.Time                  `json:"to"`
	ProfileName string                     `json:"profile_name,omitempty"`
	Profile     *model.AvailabilityProfile `json:"profile,omitempty"`
}

// availabilityResponse は空き時間計算結果のAPIレスポンス。
type availabilityResponse struct {
	Windows []model.AvailabilityWindow `json:"windows"`
}

// Compute は予約可能スロットを計算する。
// POST /api/availability
func (h *AvailabilityHandler) Compute(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	windows, err := h.service.Compute(r.Context(), userID, &availability.Query{
		From:        req.From,
		To:          req.To,
		ProfileName: req.ProfileName,
		Profile:     req.Profile,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if windows == nil {
		windows = []model.AvailabilityWindow{}
	}
	writeJSON(w, http.StatusOK, availabilityResponse{Windows: windows})
}
