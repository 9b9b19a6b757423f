package availability

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

// mockCalendar はCalendarServiceのモック実装。FreeBusyのみ使用する。
type mockCalendar struct {
	freeBusyFunc func(ctx context.Context, calendarIDs []string, from, to time.Time, timezone string) ([]model.BusyInterval, error)
}

func (m *mockCalendar) Timezone(ctx context.Context) (string, error) { return "", nil }
func (m *mockCalendar) ListCalendars(ctx context.Context) ([]gwork.CalendarInfo, error) {
	return nil, nil
}
func (m *mockCalendar) ListEvents(ctx context.Context, q gwork.EventQuery) (*gwork.EventPage, error) {
	return nil, nil
}
func (m *mockCalendar) FreeBusy(ctx context.Context, calendarIDs []string, from, to time.Time, timezone string) ([]model.BusyInterval, error) {
	return m.freeBusyFunc(ctx, calendarIDs, from, to, timezone)
}

// mockCredRepo はCredentialRepositoryのモック実装。Calculatorでは未使用メソッドのみ。
type mockCredRepo struct{}

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
	return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
}

func at(hour, min int) time.Time {
	return time.Date(2024, 6, 3, hour, min, 0, 0, time.UTC)
}

func TestExpandBusy_Merge(t *testing.T) {
	// 重なり合う2つの予定に前後10分のバッファを加えると1つに統合される
	busy := []model.BusyInterval{
		{Start: at(9, 0), End: at(9, 30)},
		{Start: at(9, 25), End: at(10, 0)},
	}

	merged := MergeIntervals(ExpandBusy(busy, 10*time.Minute, 10*time.Minute))
	if len(merged) != 1 {
		t.Fatalf("merged = %d件, want 1", len(merged))
	}
	if !merged[0].Start.Equal(at(8, 50)) || !merged[0].End.Equal(at(10, 10)) {
		t.Errorf("merged = %v - %v, want 08:50 - 10:10", merged[0].Start, merged[0].End)
	}
}

func TestMergeIntervals(t *testing.T) {
	tests := []struct {
		name  string
		input []model.BusyInterval
		want  int
	}{
		{name: "空入力", input: nil, want: 0},
		{
			name: "端点が一致する区間は統合",
			input: []model.BusyInterval{
				{Start: at(9, 0), End: at(10, 0)},
				{Start: at(10, 0), End: at(11, 0)},
			},
			want: 1,
		},
		{
			name: "離れた区間は統合しない",
			input: []model.BusyInterval{
				{Start: at(13, 0), End: at(14, 0)},
				{Start: at(9, 0), End: at(10, 0)},
			},
			want: 2,
		},
		{
			name: "包含される区間は吸収",
			input: []model.BusyInterval{
				{Start: at(9, 0), End: at(12, 0)},
				{Start: at(10, 0), End: at(11, 0)},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeIntervals(tt.input)
			if len(got) != tt.want {
				t.Errorf("件数 = %d, want %d (%v)", len(got), tt.want, got)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Start.Before(got[i-1].End) {
					t.Error("統合結果が開始時刻昇順になっていない")
				}
			}
		})
	}
}

func TestSubtractBusy(t *testing.T) {
	windowStart, windowEnd := at(9, 0), at(17, 0)

	t.Run("昼の予定で2つの空き区間に分かれる", func(t *testing.T) {
		busy := []model.BusyInterval{{Start: at(12, 0), End: at(13, 0)}}
		free := SubtractBusy(windowStart, windowEnd, busy)
		if len(free) != 2 {
			t.Fatalf("free = %d件, want 2", len(free))
		}
		if !free[0].Start.Equal(at(9, 0)) || !free[0].End.Equal(at(12, 0)) {
			t.Errorf("free[0] = %v - %v", free[0].Start, free[0].End)
		}
		if !free[1].Start.Equal(at(13, 0)) || !free[1].End.Equal(at(17, 0)) {
			t.Errorf("free[1] = %v - %v", free[1].Start, free[1].End)
		}
	})

	t.Run("予定なしなら全体が空き", func(t *testing.T) {
		free := SubtractBusy(windowStart, windowEnd, nil)
		if len(free) != 1 || !free[0].Start.Equal(windowStart) || !free[0].End.Equal(windowEnd) {
			t.Errorf("free = %v", free)
		}
	})

	t.Run("終日予定なら空きなし", func(t *testing.T) {
		busy := []model.BusyInterval{{Start: at(8, 0), End: at(18, 0)}}
		if free := SubtractBusy(windowStart, windowEnd, busy); len(free) != 0 {
			t.Errorf("free = %v, want 空", free)
		}
	})

	t.Run("勤務時間帯の外の予定は無視", func(t *testing.T) {
		busy := []model.BusyInterval{{Start: at(18, 0), End: at(19, 0)}}
		if free := SubtractBusy(windowStart, windowEnd, busy); len(free) != 1 {
			t.Errorf("free = %v, want 1件", free)
		}
	})
}

func TestFormatSlots(t *testing.T) {
	// 空き区間は分割せず1スロットとして提示する
	free := []model.BusyInterval{
		{Start: at(9, 0), End: at(12, 0)},
		{Start: at(13, 0), End: at(17, 0)},
	}

	slots := FormatSlots(free, 30*time.Minute, time.UTC)
	if len(slots) != 2 {
		t.Fatalf("slots = %v, want 2件", slots)
	}
	if slots[0] != "09:00 - 12:00" || slots[1] != "13:00 - 17:00" {
		t.Errorf("slots = %v", slots)
	}

	// 最小スロット長以上の空き区間はそのままの長さで提示する
	short := []model.BusyInterval{{Start: at(9, 0), End: at(9, 45)}}
	if slots := FormatSlots(short, 30*time.Minute, time.UTC); len(slots) != 1 || slots[0] != "09:00 - 09:45" {
		t.Errorf("slots = %v, want [09:00 - 09:45]", slots)
	}

	// 最小スロット長に満たない空き区間は提示しない
	tiny := []model.BusyInterval{{Start: at(9, 0), End: at(9, 20)}}
	if slots := FormatSlots(tiny, 30*time.Minute, time.UTC); len(slots) != 0 {
		t.Errorf("slots = %v, want 空", slots)
	}
}

func TestDayLabel(t *testing.T) {
	monday := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	if got := DayLabel(monday); got != "1月15日（月）" {
		t.Errorf("DayLabel = %q", got)
	}
}

func syncedCredential() *model.Credential {
	syncedAt := fixedNow().Add(-1 * time.Hour)
	return &model.Credential{
		UserID:               "user-1",
		AccountEmail:         "alice@example.com",
		CalendarScopeGranted: true,
		CalendarLastSyncedAt: &syncedAt,
		BusyCalendarIDs:      []string{"primary"},
		Profiles: map[string]model.AvailabilityProfile{
			"monday-only": {
				Weekdays:    []time.Weekday{time.Monday},
				WindowStart: "09:00",
				WindowEnd:   "17:00",
				SlotMinutes: 60,
			},
		},
	}
}

func newTestCalculator(conns ConnectionProvider) *Calculator {
	c := NewCalculator(conns, &mockCredRepo{}, testCollector(), testLogger())
	c.now = fixedNow
	return c
}

func TestCalculator_Compute(t *testing.T) {
	// 2024-06-03は月曜、2024-06-04は火曜
	from := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)

	calendar := &mockCalendar{
		freeBusyFunc: func(ctx context.Context, calendarIDs []string, f, tt time.Time, timezone string) ([]model.BusyInterval, error) {
			return []model.BusyInterval{{Start: at(12, 0), End: at(13, 0)}}, nil
		},
	}
	conns := &mockConnections{conn: &gwork.Connection{Calendar: calendar}, cred: syncedCredential()}
	c := newTestCalculator(conns)

	windows, err := c.Compute(context.Background(), "user-1", &Query{
		From:        from,
		To:          to,
		ProfileName: "monday-only",
	})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	// 火曜はプロファイル対象外のため月曜のみ
	if len(windows) != 1 {
		t.Fatalf("windows = %d件, want 1", len(windows))
	}
	w := windows[0]
	if w.Date != "2024-06-03" {
		t.Errorf("Date = %q", w.Date)
	}
	if w.Label != "6月3日（月）" {
		t.Errorf("Label = %q", w.Label)
	}
	// 昼の予定の前後が1スロットずつ
	if len(w.Slots) != 2 {
		t.Fatalf("Slots = %d件, want 2: %v", len(w.Slots), w.Slots)
	}
	if w.Slots[0] != "09:00 - 12:00" {
		t.Errorf("Slots[0] = %q", w.Slots[0])
	}
	if w.Slots[1] != "13:00 - 17:00" {
		t.Errorf("Slots[1] = %q", w.Slots[1])
	}
}

func TestCalculator_Compute_Preconditions(t *testing.T) {
	from := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)

	t.Run("カレンダースコープ未付与ならNOT_CONNECTED", func(t *testing.T) {
		cred := syncedCredential()
		cred.CalendarScopeGranted = false
		conns := &mockConnections{conn: &gwork.Connection{}, cred: cred}
		c := newTestCalculator(conns)

		_, err := c.Compute(context.Background(), "user-1", &Query{From: from, To: to})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNotConnected {
			t.Fatalf("err = %v, want NOT_CONNECTED", err)
		}
	})

	t.Run("未同期ならNEVER_SYNCED", func(t *testing.T) {
		cred := syncedCredential()
		cred.CalendarLastSyncedAt = nil
		conns := &mockConnections{conn: &gwork.Connection{}, cred: cred}
		c := newTestCalculator(conns)

		_, err := c.Compute(context.Background(), "user-1", &Query{From: from, To: to})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNeverSynced {
			t.Fatalf("err = %v, want NEVER_SYNCED", err)
		}
	})

	t.Run("開始が終了以降ならINVALID_TIME_RANGE", func(t *testing.T) {
		c := newTestCalculator(&mockConnections{})

		_, err := c.Compute(context.Background(), "user-1", &Query{From: to, To: from})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidTimeRange {
			t.Fatalf("err = %v, want INVALID_TIME_RANGE", err)
		}
	})

	t.Run("長すぎる期間は拒否する", func(t *testing.T) {
		c := newTestCalculator(&mockConnections{})

		_, err := c.Compute(context.Background(), "user-1", &Query{From: from, To: from.AddDate(0, 0, 90)})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidTimeRange {
			t.Fatalf("err = %v, want INVALID_TIME_RANGE", err)
		}
	})

	t.Run("存在しないプロファイル名はINVALID_PROFILE", func(t *testing.T) {
		conns := &mockConnections{conn: &gwork.Connection{}, cred: syncedCredential()}
		c := newTestCalculator(conns)

		_, err := c.Compute(context.Background(), "user-1", &Query{From: from, To: to, ProfileName: "missing"})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidProfile {
			t.Fatalf("err = %v, want INVALID_PROFILE", err)
		}
	})

	t.Run("プロバイダー障害はPROVIDER_ERROR", func(t *testing.T) {
		calendar := &mockCalendar{
			freeBusyFunc: func(ctx context.Context, calendarIDs []string, f, tt time.Time, timezone string) ([]model.BusyInterval, error) {
				return nil, errors.New("upstream timeout")
			},
		}
		conns := &mockConnections{conn: &gwork.Connection{Calendar: calendar}, cred: syncedCredential()}
		c := newTestCalculator(conns)

		_, err := c.Compute(context.Background(), "user-1", &Query{From: from, To: to})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProviderError {
			t.Fatalf("err = %v, want PROVIDER_ERROR", err)
		}
	})
}
