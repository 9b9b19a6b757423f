// Package calsync はカレンダーイベントの増分同期エンジンを提供する。
// 初回はフルウィンドウ取得、以降は保存済みカーソルによる増分取得を行い、
// カーソル失効時はフルウィンドウ取得へフォールバックする。
package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/model"
	"github.com/hitoshi/kizuna/internal/repository"
)

// primaryCalendarID はイベントキャッシュの同期対象カレンダー。
const primaryCalendarID = "primary"

// ConnectionProvider は有効なプロバイダー接続を供給するインターフェース。
type ConnectionProvider interface {
	LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error)
}

// Engine はカレンダー同期エンジン。
type Engine struct {
	connections    ConnectionProvider
	credRepo       repository.CredentialRepository
	contactRepo    repository.ContactRepository
	eventRepo      repository.EventRepository
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	cooldown       time.Duration
	forceCooldown  time.Duration
	fullWindowDays int
	now            func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	connections ConnectionProvider,
	credRepo repository.CredentialRepository,
	contactRepo repository.ContactRepository,
	eventRepo repository.EventRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cooldown time.Duration,
	forceCooldown time.Duration,
	fullWindowDays int,
) *Engine {
	return &Engine{
		connections:    connections,
		credRepo:       credRepo,
		contactRepo:    contactRepo,
		eventRepo:      eventRepo,
		metrics:        collector,
		logger:         logger,
		cooldown:       cooldown,
		forceCooldown:  forceCooldown,
		fullWindowDays: fullWindowDays,
		now:            time.Now,
	}
}

// SyncResult はカレンダー同期1回の結果を表す。
type SyncResult struct {
	EventsUpserted int  `json:"events_upserted"`
	EventsDeleted  int  `json:"events_deleted"`
	FullSync       bool `json:"full_sync"`
}

// Sync はユーザーのカレンダーを同期する。
// クールダウン中はSYNC_RATE_LIMITEDを返す。forceはクールダウンを短縮するのみで
// バイパスはしない。
func (e *Engine) Sync(ctx context.Context, userID string, force bool) (*SyncResult, error) {
	conn, cred, err := e.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cred.CalendarScopeGranted {
		return nil, model.NewNotConnectedError()
	}

	cooldown := e.cooldown
	if force {
		cooldown = e.forceCooldown
	}
	if remaining := CooldownRemaining(cred.CalendarLastSyncedAt, e.now(), cooldown); remaining > 0 {
		return nil, model.NewSyncRateLimitedError(int(remaining.Seconds()) + 1)
	}

	contacts, err := e.contactRepo.ListWithEmails(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 初回同期時にタイムゾーンとbusyカレンダー集合を確定する
	if !cred.IsCalendarSynced() {
		if err := e.initCalendarState(ctx, conn, cred); err != nil {
			e.metrics.RecordCalendarSyncFailure("init")
			return nil, err
		}
	}

	result, nextCursor, err := e.syncEvents(ctx, conn, cred, contacts)
	if err != nil {
		e.metrics.RecordCalendarSyncFailure("provider")
		return nil, err
	}

	// 全UPSERT成功後に同期状態をまとめて永続化する
	cred.CalendarSyncCursor = nextCursor
	syncedAt := e.now()
	cred.CalendarLastSyncedAt = &syncedAt
	if err := e.credRepo.UpdateCalendarState(ctx, cred); err != nil {
		return nil, err
	}

	e.metrics.RecordCalendarSyncSuccess()
	e.metrics.RecordEventsUpserted(result.EventsUpserted)
	e.logger.Info("カレンダー同期が完了しました",
		slog.String("user_id", userID),
		slog.Int("events_upserted", result.EventsUpserted),
		slog.Int("events_deleted", result.EventsDeleted),
		slog.Bool("full_sync", result.FullSync),
	)
	return result, nil
}

// initCalendarState はタイムゾーン設定とbusyカレンダー集合を取得してcredに反映する。
func (e *Engine) initCalendarState(ctx context.Context, conn *gwork.Connection, cred *model.Credential) error {
	tz, err := conn.Calendar.Timezone(ctx)
	if err != nil {
		return fmt.Errorf("タイムゾーン設定の取得に失敗しました: %w", err)
	}
	calendars, err := conn.Calendar.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("カレンダー一覧の取得に失敗しました: %w", err)
	}

	cred.CalendarTimezone = tz
	cred.BusyCalendarIDs = SelectBusyCalendars(calendars)
	return nil
}

// syncEvents はイベントの取得とキャッシュ反映を行い、次回用カーソルを返す。
// 保存済みカーソルが失効している場合はフルウィンドウ取得へフォールバックする。
func (e *Engine) syncEvents(ctx context.Context, conn *gwork.Connection, cred *model.Credential, contacts []*model.Contact) (*SyncResult, string, error) {
	cursor := cred.CalendarSyncCursor

	result, nextCursor, err := e.fetchAndApply(ctx, conn, cred, contacts, cursor)
	if errors.Is(err, gwork.ErrSyncTokenExpired) {
		e.logger.Warn("同期カーソルが失効したためフルウィンドウ取得にフォールバックします",
			slog.String("user_id", cred.UserID),
		)
		result, nextCursor, err = e.fetchAndApply(ctx, conn, cred, contacts, "")
	}
	if err != nil {
		return nil, "", err
	}
	return result, nextCursor, nil
}

// fetchAndApply は1パス分のイベント取得とUPSERT/削除を実行する。
func (e *Engine) fetchAndApply(ctx context.Context, conn *gwork.Connection, cred *model.Credential, contacts []*model.Contact, cursor string) (*SyncResult, string, error) {
	result := &SyncResult{FullSync: cursor == ""}

	q := gwork.EventQuery{CalendarID: primaryCalendarID, SyncToken: cursor}
	if cursor == "" {
		now := e.now()
		q.TimeMin = now
		q.TimeMax = now.AddDate(0, 0, e.fullWindowDays)
	}

	nextCursor := ""
	for {
		start := time.Now()
		page, err := conn.Calendar.ListEvents(ctx, q)
		e.metrics.RecordProviderLatency("calendar.list", time.Since(start))
		if err != nil {
			return nil, "", err
		}

		for i := range page.Events {
			ev := &page.Events[i]
			if ev.Cancelled {
				if err := e.eventRepo.DeleteByUserAndExternalID(ctx, cred.UserID, ev.ExternalID); err != nil {
					return nil, "", err
				}
				result.EventsDeleted++
				continue
			}
			if err := e.eventRepo.Upsert(ctx, e.buildCachedEvent(cred, contacts, ev)); err != nil {
				return nil, "", err
			}
			result.EventsUpserted++
		}

		if page.NextSyncToken != "" {
			nextCursor = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			return result, nextCursor, nil
		}
		q.PageToken = page.NextPageToken
	}
}

// buildCachedEvent はプロバイダーのイベントをローカル投影に変換する。
// 非公開イベントはタイトルと説明を空にして存在と時間範囲のみ保持する。
func (e *Engine) buildCachedEvent(cred *model.Credential, contacts []*model.Contact, ev *gwork.EventData) *model.CachedCalendarEvent {
	title := ev.Title
	description := ev.Description
	if ev.Private {
		title = ""
		description = ""
	}

	primary, all := MatchAttendees(ev.Attendees, cred.AccountEmail, contacts)
	return &model.CachedCalendarEvent{
		UserID:           cred.UserID,
		ExternalID:       ev.ExternalID,
		CalendarID:       ev.CalendarID,
		Title:            title,
		Description:      description,
		IsPrivate:        ev.Private,
		StartAt:          ev.Start,
		EndAt:            ev.End,
		AllDay:           ev.AllDay,
		Location:         ev.Location,
		MeetingURL:       ev.MeetingURL,
		Status:           ev.Status,
		Attendees:        ev.Attendees,
		RecurringEventID: ev.RecurringEventID,
		ContactID:        primary,
		ContactIDs:       all,
	}
}
