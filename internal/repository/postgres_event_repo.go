package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用したカレンダーイベントキャッシュリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

const eventColumns = `id, user_id, external_id, calendar_id, title, description, is_private,
	start_at, end_at, all_day, location, meeting_url, status, attendees,
	recurring_event_id, contact_id, contact_ids, created_at, updated_at`

// Upsert はイベントを(user_id, external_id)をキーにUPSERTする。
func (r *PostgresEventRepo) Upsert(ctx context.Context, event *model.CachedCalendarEvent) error {
	attendees, err := marshalStringSlice(event.Attendees)
	if err != nil {
		return err
	}
	contactIDs, err := marshalStringSlice(event.ContactIDs)
	if err != nil {
		return err
	}

	event.ID = ensureID(event.ID)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cached_calendar_events (id, user_id, external_id, calendar_id, title, description,
		        is_private, start_at, end_at, all_day, location, meeting_url, status, attendees,
		        recurring_event_id, contact_id, contact_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now())
		 ON CONFLICT (user_id, external_id) DO UPDATE SET
		        calendar_id = EXCLUDED.calendar_id,
		        title = EXCLUDED.title,
		        description = EXCLUDED.description,
		        is_private = EXCLUDED.is_private,
		        start_at = EXCLUDED.start_at,
		        end_at = EXCLUDED.end_at,
		        all_day = EXCLUDED.all_day,
		        location = EXCLUDED.location,
		        meeting_url = EXCLUDED.meeting_url,
		        status = EXCLUDED.status,
		        attendees = EXCLUDED.attendees,
		        recurring_event_id = EXCLUDED.recurring_event_id,
		        contact_id = EXCLUDED.contact_id,
		        contact_ids = EXCLUDED.contact_ids,
		        updated_at = now()`,
		event.ID, event.UserID, event.ExternalID, event.CalendarID, event.Title, event.Description,
		event.IsPrivate, event.StartAt, event.EndAt, event.AllDay, event.Location, event.MeetingURL,
		event.Status, attendees, event.RecurringEventID, event.ContactID, contactIDs,
	)
	if err != nil {
		return fmt.Errorf("イベントのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// FindByUserAndExternalID は外部IDでイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByUserAndExternalID(ctx context.Context, userID, externalID string) (*model.CachedCalendarEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM cached_calendar_events WHERE user_id = $1 AND external_id = $2`,
		userID, externalID,
	)
	event, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	return event, nil
}

// ListByUserInRange は期間内のイベントをstart_at昇順で返す。
func (r *PostgresEventRepo) ListByUserInRange(ctx context.Context, userID string, from, to time.Time) ([]*model.CachedCalendarEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM cached_calendar_events
		 WHERE user_id = $1 AND start_at < $3 AND end_at > $2
		 ORDER BY start_at`,
		userID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []*model.CachedCalendarEvent
	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗しました: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteByUserAndExternalID は取り消されたイベントをキャッシュから削除する。
func (r *PostgresEventRepo) DeleteByUserAndExternalID(ctx context.Context, userID, externalID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cached_calendar_events WHERE user_id = $1 AND external_id = $2`,
		userID, externalID,
	)
	if err != nil {
		return fmt.Errorf("イベントの削除に失敗しました: %w", err)
	}
	return nil
}

// scanEvent は1行をCachedCalendarEventに読み取る。
func scanEvent(scan func(dest ...any) error) (*model.CachedCalendarEvent, error) {
	event := &model.CachedCalendarEvent{}
	var attendees, contactIDs []byte
	var contactID sql.NullString

	err := scan(
		&event.ID, &event.UserID, &event.ExternalID, &event.CalendarID, &event.Title, &event.Description,
		&event.IsPrivate, &event.StartAt, &event.EndAt, &event.AllDay, &event.Location, &event.MeetingURL,
		&event.Status, &attendees, &event.RecurringEventID, &contactID, &contactIDs,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.ContactID = nullStringPtr(contactID)
	if event.Attendees, err = unmarshalStringSlice(attendees); err != nil {
		return nil, err
	}
	if event.ContactIDs, err = unmarshalStringSlice(contactIDs); err != nil {
		return nil, err
	}
	return event, nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
