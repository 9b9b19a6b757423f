package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/kizuna/internal/availability"
	"github.com/hitoshi/kizuna/internal/model"
)

// mockAvailabilityService はAvailabilityServiceInterfaceのモック実装。
type mockAvailabilityService struct {
	computeFn func(ctx context.Context, userID string, q *availability.Query) ([]model.AvailabilityWindow, error)
}

func (m *mockAvailabilityService) Compute(ctx context.Context, userID string, q *availability.Query) ([]model.AvailabilityWindow, error) {
	return m.computeFn(ctx, userID, q)
}

func TestAvailabilityHandler_Compute(t *testing.T) {
	service := &mockAvailabilityService{
		computeFn: func(ctx context.Context, userID string, q *availability.Query) ([]model.AvailabilityWindow, error) {
			if q.ProfileName != "short" {
				t.Errorf("ProfileName = %q, want %q", q.ProfileName, "short")
			}
			return []model.AvailabilityWindow{
				{
					Date:  "2024-06-03",
					Label: "6月3日（月）",
					Slots: []string{"09:00 - 12:00", "13:00 - 17:00"},
				},
			}, nil
		},
	}

	h := NewAvailabilityHandler(service)
	w := httptest.NewRecorder()

	body := strings.NewReader(`{"from":"2024-06-03T00:00:00Z","to":"2024-06-07T00:00:00Z","profile_name":"short"}`)
	h.Compute(w, authedRequest(http.MethodPost, "/api/availability", body))

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var resp availabilityResponse
	if err := json.NewDecoder(w.Result().Body).Decode(&resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Windows) != 1 {
		t.Fatalf("len(Windows) = %d, want 1", len(resp.Windows))
	}
	if len(resp.Windows[0].Slots) != 2 {
		t.Errorf("len(Slots) = %d, want 2", len(resp.Windows[0].Slots))
	}
}

func TestAvailabilityHandler_Compute_EmptyResult(t *testing.T) {
	service := &mockAvailabilityService{
		computeFn: func(ctx context.Context, userID string, q *availability.Query) ([]model.AvailabilityWindow, error) {
			return nil, nil
		},
	}

	h := NewAvailabilityHandler(service)
	w := httptest.NewRecorder()

	body := strings.NewReader(`{"from":"2024-06-03T00:00:00Z","to":"2024-06-07T00:00:00Z"}`)
	h.Compute(w, authedRequest(http.MethodPost, "/api/availability", body))

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	// nilではなく空配列で返すこと
	raw, _ := json.Marshal(availabilityResponse{Windows: []model.AvailabilityWindow{}})
	if got := strings.TrimSpace(w.Body.String()); got != string(raw) {
		t.Errorf("body = %s, want %s", got, raw)
	}
}

func TestAvailabilityHandler_Compute_InvalidTimeRange(t *testing.T) {
	service := &mockAvailabilityService{
		computeFn: func(ctx context.Context, userID string, q *availability.Query) ([]model.AvailabilityWindow, error) {
			return nil, model.NewInvalidTimeRangeError("終了日時が開始日時より前です")
		},
	}

	h := NewAvailabilityHandler(service)
	w := httptest.NewRecorder()

	body := strings.NewReader(`{"from":"2024-06-07T00:00:00Z","to":"2024-06-03T00:00:00Z"}`)
	h.Compute(w, authedRequest(http.MethodPost, "/api/availability", body))

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestAvailabilityHandler_Compute_NeverSynced(t *testing.T) {
	service := &mockAvailabilityService{
		computeFn: func(ctx context.Context, userID string, q *availability.Query) ([]model.AvailabilityWindow, error) {
			return nil, model.NewNeverSyncedError()
		},
	}

	h := NewAvailabilityHandler(service)
	w := httptest.NewRecorder()

	body := strings.NewReader(`{"from":"2024-06-03T00:00:00Z","to":"2024-06-07T00:00:00Z"}`)
	h.Compute(w, authedRequest(http.MethodPost, "/api/availability", body))

	if w.Result().StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusPreconditionFailed)
	}

	var respBody map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&respBody); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if respBody["code"] != model.ErrCodeNeverSynced {
		t.Errorf("code = %v, want %v", respBody["code"], model.ErrCodeNeverSynced)
	}
}
