package calsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/model"
)

// mockConnections はConnectionProviderのモック実装。
type mockConnections struct {
	conn *gwork.Connection
	cred *model.Credential
	err  error
}

func (m *mockConnections) LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error) {
	return m.conn, m.cred, m.err
}

// mockCalendar はCalendarServiceのモック実装。
type mockCalendar struct {
	timezoneFunc      func(ctx context.Context) (string, error)
	listCalendarsFunc func(ctx context.Context) ([]gwork.CalendarInfo, error)
	listEventsFunc    func(ctx context.Context, q gwork.EventQuery) (*gwork.EventPage, error)
}

func (m *mockCalendar) Timezone(ctx context.Context) (string, error) { return m.timezoneFunc(ctx) }
func (m *mockCalendar) ListCalendars(ctx context.Context) ([]gwork.CalendarInfo, error) {
	return m.listCalendarsFunc(ctx)
}
func (m *mockCalendar) ListEvents(ctx context.Context, q gwork.EventQuery) (*gwork.EventPage, error) {
	return m.listEventsFunc(ctx, q)
}
func (m *mockCalendar) FreeBusy(ctx context.Context, calendarIDs []string, from, to time.Time, timezone string) ([]model.BusyInterval, error) {
	return nil, nil
}

// mockContactRepo はContactRepositoryのモック実装。
type mockContactRepo struct {
	contacts []*model.Contact
}

func (m *mockContactRepo) FindByID(ctx context.Context, id string) (*model.Contact, error) {
	return nil, nil
}
func (m *mockContactRepo) ListWithEmails(ctx context.Context, userID string) ([]*model.Contact, error) {
	return m.contacts, nil
}

// mockEventRepo はEventRepositoryのモック実装。
type mockEventRepo struct {
	upserted []*model.CachedCalendarEvent
	deleted  []string
}

func (m *mockEventRepo) Upsert(ctx context.Context, event *model.CachedCalendarEvent) error {
	m.upserted = append(m.upserted, event)
	return nil
}
func (m *mockEventRepo) FindByUserAndExternalID(ctx context.Context, userID, externalID string) (*model.CachedCalendarEvent, error) {
	return nil, nil
}
func (m *mockEventRepo) ListByUserInRange(ctx context.Context, userID string, from, to time.Time) ([]*model.CachedCalendarEvent, error) {
	return nil, nil
}
func (m *mockEventRepo) DeleteByUserAndExternalID(ctx context.Context, userID, externalID string) error {
	m.deleted = append(m.deleted, externalID)
	return nil
}

// mockCredRepo はCredentialRepositoryのモック実装。同期状態の永続化のみ使用する。
type mockCredRepo struct {
	updatedState *model.Credential
}

func (m *mockCredRepo) FindByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	return nil, nil
}
func (m *mockCredRepo) Upsert(ctx context.Context, cred *model.Credential) error { return nil }
func (m *mockCredRepo) UpdateTokens(ctx context.Context, userID, accessToken string, expiry time.Time) error {
	return nil
}
func (m *mockCredRepo) UpdateMailSyncedAt(ctx context.Context, userID string, at time.Time) error {
	return nil
}
func (m *mockCredRepo) UpdateCalendarState(ctx context.Context, cred *model.Credential) error {
	m.updatedState = cred
	return nil
}
func (m *mockCredRepo) ClearCalendarState(ctx context.Context, userID string) error { return nil }
func (m *mockCredRepo) UpdateProfiles(ctx context.Context, userID string, profiles map[string]model.AvailabilityProfile) error {
	return nil
}
func (m *mockCredRepo) DeleteByUserID(ctx context.Context, userID string) error { return nil }
func (m *mockCredRepo) ListUserIDs(ctx context.Context) ([]string, error)       { return nil, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestEngine(conns ConnectionProvider, credRepo *mockCredRepo, contactRepo *mockContactRepo, eventRepo *mockEventRepo) *Engine {
	e := NewEngine(conns, credRepo, contactRepo, eventRepo, testCollector(), testLogger(),
		5*time.Minute, 5*time.Second, 60)
	e.now = fixedNow
	return e
}

func TestCooldownRemaining(t *testing.T) {
	now := fixedNow()
	recent := now.Add(-1 * time.Minute)
	old := now.Add(-10 * time.Minute)

	tests := []struct {
		name     string
		last     *time.Time
		cooldown time.Duration
		wantZero bool
	}{
		{name: "未同期なら残り0", last: nil, cooldown: 5 * time.Minute, wantZero: true},
		{name: "クールダウン経過済みなら残り0", last: &old, cooldown: 5 * time.Minute, wantZero: true},
		{name: "クールダウン中は残りが正", last: &recent, cooldown: 5 * time.Minute, wantZero: false},
		{name: "強制同期の短いクールダウンは経過済み", last: &recent, cooldown: 5 * time.Second, wantZero: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CooldownRemaining(tt.last, now, tt.cooldown)
			if tt.wantZero && got != 0 {
				t.Errorf("CooldownRemaining = %v, want 0", got)
			}
			if !tt.wantZero && got <= 0 {
				t.Errorf("CooldownRemaining = %v, want > 0", got)
			}
		})
	}
}

func TestSelectBusyCalendars(t *testing.T) {
	tests := []struct {
		name      string
		calendars []gwork.CalendarInfo
		want      []string
	}{
		{
			name: "owner/writerのカレンダーを選択する",
			calendars: []gwork.CalendarInfo{
				{ID: "cal-1", AccessRole: "owner", Primary: true},
				{ID: "cal-2", AccessRole: "writer"},
				{ID: "cal-3", AccessRole: "reader"},
			},
			want: []string{"cal-1", "cal-2"},
		},
		{
			name: "候補が無ければプライマリにフォールバック",
			calendars: []gwork.CalendarInfo{
				{ID: "cal-1", AccessRole: "reader", Primary: true},
				{ID: "cal-2", AccessRole: "freeBusyReader"},
			},
			want: []string{"cal-1"},
		},
		{
			name:      "一覧が空なら論理名primary",
			calendars: nil,
			want:      []string{"primary"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectBusyCalendars(tt.calendars)
			if len(got) != len(tt.want) {
				t.Fatalf("件数 = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMatchAttendees(t *testing.T) {
	contacts := []*model.Contact{
		{ID: "c-1", Emails: []string{"bob@example.com"}},
		{ID: "c-2", Emails: []string{"carol@example.com", "carol@work.example.com"}},
	}

	t.Run("所有者を除外し最初の一致を主担当とする", func(t *testing.T) {
		primary, all := MatchAttendees(
			[]string{"alice@example.com", "Carol@Example.com", "bob@example.com"},
			"alice@example.com", contacts,
		)
		if primary == nil || *primary != "c-2" {
			t.Errorf("primary = %v, want c-2", primary)
		}
		if len(all) != 2 {
			t.Fatalf("all = %v, want 2件", all)
		}
	})

	t.Run("同一連絡先の複数アドレスは重複しない", func(t *testing.T) {
		_, all := MatchAttendees(
			[]string{"carol@example.com", "carol@work.example.com"},
			"alice@example.com", contacts,
		)
		if len(all) != 1 {
			t.Errorf("all = %v, want 1件", all)
		}
	})

	t.Run("一致なしならnil", func(t *testing.T) {
		primary, all := MatchAttendees([]string{"unknown@example.com"}, "alice@example.com", contacts)
		if primary != nil || len(all) != 0 {
			t.Errorf("primary = %v, all = %v, want nil/空", primary, all)
		}
	})
}

func TestEngine_Sync_Cooldown(t *testing.T) {
	recent := fixedNow().Add(-1 * time.Minute)
	cred := &model.Credential{
		UserID:               "user-1",
		CalendarScopeGranted: true,
		CalendarLastSyncedAt: &recent,
	}

	calendar := &mockCalendar{
		listEventsFunc: func(ctx context.Context, q gwork.EventQuery) (*gwork.EventPage, error) {
			return &gwork.EventPage{NextSyncToken: "cursor-1"}, nil
		},
	}
	conns := &mockConnections{conn: &gwork.Connection{Calendar: calendar}, cred: cred}
	e := newTestEngine(conns, &mockCredRepo{}, &mockContactRepo{}, &mockEventRepo{})

	// 通常同期はクールダウン中
	_, err := e.Sync(context.Background(), "user-1", false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSyncRateLimited {
		t.Fatalf("err = %v, want SYNC_RATE_LIMITED", err)
	}

	// 強制同期は短いクールダウンで通過する
	if _, err := e.Sync(context.Background(), "user-1", true); err != nil {
		t.Fatalf("強制同期が失敗した: %v", err)
	}
}

func TestEngine_Sync_FirstSync(t *testing.T) {
	cred := &model.Credential{
		UserID:               "user-1",
		AccountEmail:         "alice@example.com",
		CalendarScopeGranted: true,
	}

	var capturedQuery gwork.EventQuery
	calendar := &mockCalendar{
		timezoneFunc: func(ctx context.Context) (string, error) { return "Asia/Tokyo", nil },
		listCalendarsFunc: func(ctx context.Context) ([]gwork.CalendarInfo, error) {
			return []gwork.CalendarInfo{
				{ID: "primary-cal", AccessRole: "owner", Primary: true},
				{ID: "shared-cal", AccessRole: "reader"},
			}, nil
		},
		listEventsFunc: func(ctx context.Context, q gwork.EventQuery) (*gwork.EventPage, error) {
			capturedQuery = q
			return &gwork.EventPage{
				Events: []gwork.EventData{
					{
						ExternalID: "ev-1",
						Title:      "商談",
						Attendees:  []string{"alice@example.com", "bob@example.com"},
						Start:      fixedNow().Add(24 * time.Hour),
						End:        fixedNow().Add(25 * time.Hour),
					},
					{ExternalID: "ev-private", Title: "通院", Private: true},
					{ExternalID: "ev-gone", Cancelled: true},
				},
				NextSyncToken: "cursor-1",
			}, nil
		},
	}
	conns := &mockConnections{conn: &gwork.Connection{Calendar: calendar}, cred: cred}
	credRepo := &mockCredRepo{}
	contactRepo := &mockContactRepo{contacts: []*model.Contact{{ID: "c-1", Emails: []string{"bob@example.com"}}}}
	eventRepo := &mockEventRepo{}

	e := newTestEngine(conns, credRepo, contactRepo, eventRepo)

	result, err := e.Sync(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !result.FullSync {
		t.Error("初回同期はFullSyncであるべき")
	}
	if result.EventsUpserted != 2 || result.EventsDeleted != 1 {
		t.Errorf("upserted = %d, deleted = %d, want 2/1", result.EventsUpserted, result.EventsDeleted)
	}

	// 初回はフルウィンドウ取得
	if capturedQuery.SyncToken != "" {
		t.Error("初回同期でSyncTokenが指定されている")
	}
	if !capturedQuery.TimeMin.Equal(fixedNow()) {
		t.Errorf("TimeMin = %v", capturedQuery.TimeMin)
	}
	if !capturedQuery.TimeMax.Equal(fixedNow().AddDate(0, 0, 60)) {
		t.Errorf("TimeMax = %v", capturedQuery.TimeMax)
	}

	// 同期状態の永続化
	if credRepo.updatedState == nil {
		t.Fatal("UpdateCalendarStateが呼ばれていない")
	}
	if credRepo.updatedState.CalendarSyncCursor != "cursor-1" {
		t.Errorf("カーソル = %q, want cursor-1", credRepo.updatedState.CalendarSyncCursor)
	}
	if credRepo.updatedState.CalendarTimezone != "Asia/Tokyo" {
		t.Errorf("タイムゾーン = %q", credRepo.updatedState.CalendarTimezone)
	}
	if len(credRepo.updatedState.BusyCalendarIDs) != 1 || credRepo.updatedState.BusyCalendarIDs[0] != "primary-cal" {
		t.Errorf("BusyCalendarIDs = %v", credRepo.updatedState.BusyCalendarIDs)
	}
	if credRepo.updatedState.CalendarLastSyncedAt == nil {
		t.Error("CalendarLastSyncedAtが設定されていない")
	}

	// 参加者マッチングと非公開イベントのマスキング
	var private *model.CachedCalendarEvent
	var normal *model.CachedCalendarEvent
	for _, ev := range eventRepo.upserted {
		switch ev.ExternalID {
		case "ev-1":
			normal = ev
		case "ev-private":
			private = ev
		}
	}
	if normal == nil || normal.ContactID == nil || *normal.ContactID != "c-1" {
		t.Error("参加者マッチングが行われていない")
	}
	if private == nil || private.Title != "" || !private.IsPrivate {
		t.Error("非公開イベントのタイトルがマスクされていない")
	}
	if len(eventRepo.deleted) != 1 || eventRepo.deleted[0] != "ev-gone" {
		t.Errorf("deleted = %v", eventRepo.deleted)
	}
}

func TestEngine_Sync_CursorExpired(t *testing.T) {
	last := fixedNow().Add(-1 * time.Hour)
	cred := &model.Credential{
		UserID:               "user-1",
		CalendarScopeGranted: true,
		CalendarLastSyncedAt: &last,
		CalendarSyncCursor:   "stale-cursor",
		CalendarTimezone:     "Asia/Tokyo",
		BusyCalendarIDs:      []string{"primary"},
	}

	calendar := &mockCalendar{
		listEventsFunc: func(ctx context.Context, q gwork.EventQuery) (*gwork.EventPage, error) {
			if q.SyncToken != "" {
				return nil, gwork.ErrSyncTokenExpired
			}
			return &gwork.EventPage{
				Events:        []gwork.EventData{{ExternalID: "ev-1"}},
				NextSyncToken: "fresh-cursor",
			}, nil
		},
	}
	conns := &mockConnections{conn: &gwork.Connection{Calendar: calendar}, cred: cred}
	credRepo := &mockCredRepo{}
	e := newTestEngine(conns, credRepo, &mockContactRepo{}, &mockEventRepo{})

	result, err := e.Sync(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !result.FullSync {
		t.Error("フォールバック後はFullSyncであるべき")
	}
	if credRepo.updatedState.CalendarSyncCursor != "fresh-cursor" {
		t.Errorf("カーソル = %q, want fresh-cursor", credRepo.updatedState.CalendarSyncCursor)
	}
}

func TestEngine_Sync_NoCalendarScope(t *testing.T) {
	cred := &model.Credential{UserID: "user-1", CalendarScopeGranted: false}
	conns := &mockConnections{conn: &gwork.Connection{}, cred: cred}
	e := newTestEngine(conns, &mockCredRepo{}, &mockContactRepo{}, &mockEventRepo{})

	_, err := e.Sync(context.Background(), "user-1", false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNotConnected {
		t.Fatalf("err = %v, want NOT_CONNECTED", err)
	}
}
