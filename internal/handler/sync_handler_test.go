package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kizuna/internal/calsync"
	"github.com/hitoshi/kizuna/internal/mailsync"
	"github.com/hitoshi/kizuna/internal/model"
)

// mockMailSyncService はMailSyncServiceInterfaceのモック実装。
type mockMailSyncService struct {
	syncAllFn func(ctx context.Context, userID string) (*mailsync.SyncResult, error)
	syncOneFn func(ctx context.Context, userID, contactID string) (*mailsync.SyncResult, error)
}

func (m *mockMailSyncService) SyncAll(ctx context.Context, userID string) (*mailsync.SyncResult, error) {
	return m.syncAllFn(ctx, userID)
}

func (m *mockMailSyncService) SyncOne(ctx context.Context, userID, contactID string) (*mailsync.SyncResult, error) {
	return m.syncOneFn(ctx, userID, contactID)
}

// mockCalendarSyncService はCalendarSyncServiceInterfaceのモック実装。
type mockCalendarSyncService struct {
	syncFn func(ctx context.Context, userID string, force bool) (*calsync.SyncResult, error)
}

func (m *mockCalendarSyncService) Sync(ctx context.Context, userID string, force bool) (*calsync.SyncResult, error) {
	return m.syncFn(ctx, userID, force)
}

func TestSyncHandler_SyncMail(t *testing.T) {
	mail := &mockMailSyncService{
		syncAllFn: func(ctx context.Context, userID string) (*mailsync.SyncResult, error) {
			if userID != "user-1" {
				t.Errorf("userID = %q, want %q", userID, "user-1")
			}
			return &mailsync.SyncResult{ContactsSynced: 3, MessagesSynced: 12}, nil
		},
	}

	h := NewSyncHandler(mail, &mockCalendarSyncService{})
	w := httptest.NewRecorder()

	h.SyncMail(w, authedRequest(http.MethodPost, "/api/sync/mail", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var result mailsync.SyncResult
	if err := json.NewDecoder(w.Result().Body).Decode(&result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.MessagesSynced != 12 {
		t.Errorf("MessagesSynced = %d, want 12", result.MessagesSynced)
	}
}

func TestSyncHandler_SyncMail_Unauthorized(t *testing.T) {
	h := NewSyncHandler(&mockMailSyncService{}, &mockCalendarSyncService{})
	w := httptest.NewRecorder()

	h.SyncMail(w, httptest.NewRequest(http.MethodPost, "/api/sync/mail", nil))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestSyncHandler_SyncMail_NotConnected(t *testing.T) {
	mail := &mockMailSyncService{
		syncAllFn: func(ctx context.Context, userID string) (*mailsync.SyncResult, error) {
			return nil, model.NewNotConnectedError()
		},
	}

	h := NewSyncHandler(mail, &mockCalendarSyncService{})
	w := httptest.NewRecorder()

	h.SyncMail(w, authedRequest(http.MethodPost, "/api/sync/mail", nil))

	if w.Result().StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusPreconditionFailed)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["code"] != model.ErrCodeNotConnected {
		t.Errorf("code = %v, want %v", body["code"], model.ErrCodeNotConnected)
	}
}

func TestSyncHandler_SyncMailContact(t *testing.T) {
	mail := &mockMailSyncService{
		syncOneFn: func(ctx context.Context, userID, contactID string) (*mailsync.SyncResult, error) {
			if contactID != "contact-1" {
				t.Errorf("contactID = %q, want %q", contactID, "contact-1")
			}
			return &mailsync.SyncResult{ContactsSynced: 1, MessagesSynced: 4}, nil
		},
	}

	h := NewSyncHandler(mail, &mockCalendarSyncService{})

	r := chi.NewRouter()
	r.Post("/api/sync/mail/{contactID}", h.SyncMailContact)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, authedRequest(http.MethodPost, "/api/sync/mail/contact-1", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestSyncHandler_SyncCalendar(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantForce bool
	}{
		{name: "通常同期", query: "", wantForce: false},
		{name: "強制同期", query: "?force=true", wantForce: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calendar := &mockCalendarSyncService{
				syncFn: func(ctx context.Context, userID string, force bool) (*calsync.SyncResult, error) {
					if force != tt.wantForce {
						t.Errorf("force = %v, want %v", force, tt.wantForce)
					}
					return &calsync.SyncResult{EventsUpserted: 2}, nil
				},
			}

			h := NewSyncHandler(&mockMailSyncService{}, calendar)
			w := httptest.NewRecorder()

			h.SyncCalendar(w, authedRequest(http.MethodPost, "/api/sync/calendar"+tt.query, nil))

			if w.Result().StatusCode != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
			}
		})
	}
}

func TestSyncHandler_SyncCalendar_Cooldown(t *testing.T) {
	calendar := &mockCalendarSyncService{
		syncFn: func(ctx context.Context, userID string, force bool) (*calsync.SyncResult, error) {
			return nil, model.NewSyncRateLimitedError(45)
		},
	}

	h := NewSyncHandler(&mockMailSyncService{}, calendar)
	w := httptest.NewRecorder()

	h.SyncCalendar(w, authedRequest(http.MethodPost, "/api/sync/calendar", nil))

	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["code"] != model.ErrCodeSyncRateLimited {
		t.Errorf("code = %v, want %v", body["code"], model.ErrCodeSyncRateLimited)
	}
}
