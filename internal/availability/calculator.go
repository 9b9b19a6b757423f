// Package availability はカレンダーのfree/busy情報と勤務時間帯プロファイルから
// 予約可能スロットをオンデマンドで計算する。計算結果は永続化しない。
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kizuna/internal/credential"
	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/model"
	"github.com/hitoshi/kizuna/internal/repository"
)

// maxRangeDays はスロット計算を許可する最大日数。
const maxRangeDays = 60

// ConnectionProvider は有効なプロバイダー接続を供給するインターフェース。
type ConnectionProvider interface {
	LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error)
}

// Calculator は空き時間計算サービス。
type Calculator struct {
	connections ConnectionProvider
	credRepo    repository.CredentialRepository
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
}

// NewCalculator はCalculatorの新しいインスタンスを生成する。
func NewCalculator(
	connections ConnectionProvider,
	credRepo repository.CredentialRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Calculator {
	return &Calculator{
		connections: connections,
		credRepo:    credRepo,
		metrics:     collector,
		logger:      logger,
		now:         time.Now,
	}
}

// Query は空き時間計算の入力を表す。
// ProfileNameとProfileの両方が空の場合はデフォルトプロファイルを適用する。
type Query struct {
	From        time.Time
	To          time.Time
	ProfileName string
	Profile     *model.AvailabilityProfile
}

// DefaultProfile は平日9時-17時、30分スロットの標準プロファイルを返す。
func DefaultProfile() model.AvailabilityProfile {
	return model.AvailabilityProfile{
		Weekdays:    []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		WindowStart: "09:00",
		WindowEnd:   "17:00",
		SlotMinutes: 30,
	}
}

// Compute は指定期間の予約可能スロットを日単位で計算する。
// カレンダースコープが未付与の場合はNOT_CONNECTED、
// カレンダーが一度も同期されていない場合はNEVER_SYNCEDを返す。
// スロットが無い日と無効な曜日は結果から省く。
func (c *Calculator) Compute(ctx context.Context, userID string, q *Query) ([]model.AvailabilityWindow, error) {
	if !q.From.Before(q.To) {
		return nil, model.NewInvalidTimeRangeError("開始日時は終了日時より前である必要があります")
	}
	if q.To.Sub(q.From) > maxRangeDays*24*time.Hour {
		return nil, model.NewInvalidTimeRangeError(fmt.Sprintf("期間は%d日以内である必要があります", maxRangeDays))
	}

	conn, cred, err := c.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cred.CalendarScopeGranted {
		return nil, model.NewNotConnectedError()
	}
	if !cred.IsCalendarSynced() {
		return nil, model.NewNeverSyncedError()
	}

	profile, err := c.resolveProfile(cred, q)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if cred.CalendarTimezone != "" {
		loc, err = time.LoadLocation(cred.CalendarTimezone)
		if err != nil {
			return nil, fmt.Errorf("タイムゾーンの解決に失敗しました: %w", err)
		}
	}

	start := time.Now()
	busy, err := conn.Calendar.FreeBusy(ctx, cred.BusyCalendarIDs, q.From, q.To, cred.CalendarTimezone)
	c.metrics.RecordProviderLatency("calendar.freebusy", time.Since(start))
	if err != nil {
		return nil, model.NewProviderError(err.Error())
	}

	merged := MergeIntervals(ExpandBusy(busy,
		time.Duration(profile.BufferBeforeMinutes)*time.Minute,
		time.Duration(profile.BufferAfterMinutes)*time.Minute,
	))

	windows := c.buildWindows(q.From, q.To, profile, merged, loc)
	c.logger.Info("空き時間を計算しました",
		slog.String("user_id", userID),
		slog.Int("days", len(windows)),
		slog.Int("busy_intervals", len(merged)),
	)
	return windows, nil
}

// resolveProfile は適用するプロファイルを決定する。
// 名前指定→インライン指定→デフォルトの順に解決する。
func (c *Calculator) resolveProfile(cred *model.Credential, q *Query) (*model.AvailabilityProfile, error) {
	if q.ProfileName != "" {
		p, ok := cred.Profiles[q.ProfileName]
		if !ok {
			return nil, model.NewInvalidProfileError(fmt.Sprintf("プロファイル %q が見つかりません", q.ProfileName))
		}
		return &p, nil
	}
	if q.Profile != nil {
		if err := credential.ValidateProfile("inline", *q.Profile); err != nil {
			return nil, err
		}
		return q.Profile, nil
	}
	p := DefaultProfile()
	return &p, nil
}

// buildWindows は日単位で勤務時間帯とbusy区間を突き合わせ、スロットを生成する。
func (c *Calculator) buildWindows(from, to time.Time, profile *model.AvailabilityProfile, busy []model.BusyInterval, loc *time.Location) []model.AvailabilityWindow {
	minSlot := time.Duration(profile.SlotMinutes) * time.Minute
	now := c.now()

	var windows []model.AvailabilityWindow
	day := time.Date(from.In(loc).Year(), from.In(loc).Month(), from.In(loc).Day(), 0, 0, 0, 0, loc)
	for !day.After(to.In(loc)) {
		if profile.EnabledOn(day.Weekday()) {
			startClock, endClock := profile.WindowFor(day.Weekday())
			windowStart, okStart := clockInstant(day, startClock, loc)
			windowEnd, okEnd := clockInstant(day, endClock, loc)
			if okStart && okEnd {
				// 照会範囲・現在時刻でクランプする
				if windowStart.Before(from) {
					windowStart = from
				}
				if windowStart.Before(now) {
					windowStart = now
				}
				if windowEnd.After(to) {
					windowEnd = to
				}

				if windowStart.Before(windowEnd) {
					free := SubtractBusy(windowStart, windowEnd, busy)
					slots := FormatSlots(free, minSlot, loc)
					if len(slots) > 0 {
						windows = append(windows, model.AvailabilityWindow{
							Date:  day.Format("2006-01-02"),
							Label: DayLabel(day),
							Slots: slots,
						})
					}
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return windows
}

// clockInstant は日付と "HH:MM" 文字列からその日の時刻を構築する。
func clockInstant(day time.Time, clock string, loc *time.Location) (time.Time, bool) {
	minutes, err := credential.ParseClock(clock)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, loc), true
}
