package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した資格情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

const credentialColumns = `id, user_id, account_email, access_token, refresh_token, token_expiry,
	mail_last_synced_at, calendar_last_synced_at, calendar_scope_granted,
	calendar_sync_cursor, calendar_timezone, busy_calendar_ids, profiles,
	created_at, updated_at`

// FindByUserID は指定ユーザーのCredentialを取得する。未接続の場合はnilを返す。
func (r *PostgresCredentialRepo) FindByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = $1`,
		userID,
	)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("資格情報の取得に失敗しました: %w", err)
	}
	return cred, nil
}

// Upsert はCredentialをuser_idをキーに冪等にUPSERTする。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.Credential) error {
	busyIDs, err := marshalStringSlice(cred.BusyCalendarIDs)
	if err != nil {
		return err
	}
	profiles, err := marshalProfiles(cred.Profiles)
	if err != nil {
		return err
	}

	cred.ID = ensureID(cred.ID)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, account_email, access_token, refresh_token, token_expiry,
		        mail_last_synced_at, calendar_last_synced_at, calendar_scope_granted,
		        calendar_sync_cursor, calendar_timezone, busy_calendar_ids, profiles, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		 ON CONFLICT (user_id) DO UPDATE SET
		        account_email = EXCLUDED.account_email,
		        access_token = EXCLUDED.access_token,
		        refresh_token = EXCLUDED.refresh_token,
		        token_expiry = EXCLUDED.token_expiry,
		        calendar_scope_granted = EXCLUDED.calendar_scope_granted,
		        updated_at = now()`,
		cred.ID, cred.UserID, cred.AccountEmail, cred.AccessToken, cred.RefreshToken, cred.TokenExpiry,
		cred.MailLastSyncedAt, cred.CalendarLastSyncedAt, cred.CalendarScopeGranted,
		nullableString(cred.CalendarSyncCursor), nullableString(cred.CalendarTimezone), busyIDs, profiles,
	)
	if err != nil {
		return fmt.Errorf("資格情報のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpdateTokens はリフレッシュ後のアクセストークンと有効期限を即時永続化する。
func (r *PostgresCredentialRepo) UpdateTokens(ctx context.Context, userID, accessToken string, expiry time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET access_token = $1, token_expiry = $2, updated_at = now()
		 WHERE user_id = $3`,
		accessToken, expiry, userID,
	)
	if err != nil {
		return fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateMailSyncedAt はメール同期の完了時刻を記録する。
func (r *PostgresCredentialRepo) UpdateMailSyncedAt(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET mail_last_synced_at = $1, updated_at = now() WHERE user_id = $2`,
		at, userID,
	)
	if err != nil {
		return fmt.Errorf("メール同期時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateCalendarState はカレンダー関連フィールドをまとめて更新する。
func (r *PostgresCredentialRepo) UpdateCalendarState(ctx context.Context, cred *model.Credential) error {
	busyIDs, err := marshalStringSlice(cred.BusyCalendarIDs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE credentials SET
		        calendar_last_synced_at = $1,
		        calendar_scope_granted = $2,
		        calendar_sync_cursor = $3,
		        calendar_timezone = $4,
		        busy_calendar_ids = $5,
		        updated_at = now()
		 WHERE user_id = $6`,
		cred.CalendarLastSyncedAt, cred.CalendarScopeGranted,
		nullableString(cred.CalendarSyncCursor), nullableString(cred.CalendarTimezone),
		busyIDs, cred.UserID,
	)
	if err != nil {
		return fmt.Errorf("カレンダー状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ClearCalendarState はカレンダーのみの切断を行う。
func (r *PostgresCredentialRepo) ClearCalendarState(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET
		        calendar_last_synced_at = NULL,
		        calendar_scope_granted = FALSE,
		        calendar_sync_cursor = NULL,
		        calendar_timezone = NULL,
		        busy_calendar_ids = '[]',
		        updated_at = now()
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("カレンダー状態のクリアに失敗しました: %w", err)
	}
	return nil
}

// UpdateProfiles は名前付き空き時間プロファイルの集合を更新する。
func (r *PostgresCredentialRepo) UpdateProfiles(ctx context.Context, userID string, profiles map[string]model.AvailabilityProfile) error {
	b, err := marshalProfiles(profiles)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE credentials SET profiles = $1, updated_at = now() WHERE user_id = $2`,
		b, userID,
	)
	if err != nil {
		return fmt.Errorf("プロファイルの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーのCredentialを削除する。
func (r *PostgresCredentialRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("資格情報の削除に失敗しました: %w", err)
	}
	return nil
}

// ListUserIDs は接続済みの全ユーザーIDを返す。
func (r *PostgresCredentialRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("ユーザーID一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ユーザーIDの読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanCredential は1行をCredentialに読み取る。
func scanCredential(row *sql.Row) (*model.Credential, error) {
	cred := &model.Credential{}
	var mailSyncedAt, calSyncedAt sql.NullTime
	var cursor, timezone sql.NullString
	var busyIDs, profiles []byte

	err := row.Scan(
		&cred.ID, &cred.UserID, &cred.AccountEmail, &cred.AccessToken, &cred.RefreshToken, &cred.TokenExpiry,
		&mailSyncedAt, &calSyncedAt, &cred.CalendarScopeGranted,
		&cursor, &timezone, &busyIDs, &profiles,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.MailLastSyncedAt = nullTimePtr(mailSyncedAt)
	cred.CalendarLastSyncedAt = nullTimePtr(calSyncedAt)
	cred.CalendarSyncCursor = nullStringValue(cursor)
	cred.CalendarTimezone = nullStringValue(timezone)

	if cred.BusyCalendarIDs, err = unmarshalStringSlice(busyIDs); err != nil {
		return nil, err
	}
	if len(profiles) > 0 {
		if err := json.Unmarshal(profiles, &cred.Profiles); err != nil {
			return nil, fmt.Errorf("プロファイルの復元に失敗しました: %w", err)
		}
	}

	return cred, nil
}

// marshalProfiles はプロファイル集合をJSONB格納用のバイト列に変換する。
func marshalProfiles(profiles map[string]model.AvailabilityProfile) ([]byte, error) {
	if profiles == nil {
		profiles = map[string]model.AvailabilityProfile{}
	}
	b, err := json.Marshal(profiles)
	if err != nil {
		return nil, fmt.Errorf("プロファイルのJSONB変換に失敗しました: %w", err)
	}
	return b, nil
}

// nullableString は空文字列をNULLとして格納するためのヘルパー。
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
