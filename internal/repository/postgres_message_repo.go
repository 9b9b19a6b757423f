package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージキャッシュリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `id, user_id, external_id, thread_id, subject, snippet, from_address,
	to_addresses, internal_date, label_ids, is_read, is_trashed, is_hidden,
	direction, contact_id, created_at, updated_at`

// Upsert はメッセージを(user_id, external_id)をキーにUPSERTする。
// 同一キーへの再書き込みは行を複製せず、後勝ちで上書きする。
func (r *PostgresMessageRepo) Upsert(ctx context.Context, msg *model.CachedMessage) error {
	toAddrs, err := marshalStringSlice(msg.ToAddresses)
	if err != nil {
		return err
	}
	labelIDs, err := marshalStringSlice(msg.LabelIDs)
	if err != nil {
		return err
	}

	msg.ID = ensureID(msg.ID)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cached_messages (id, user_id, external_id, thread_id, subject, snippet, from_address,
		        to_addresses, internal_date, label_ids, is_read, is_trashed, is_hidden,
		        direction, contact_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
		 ON CONFLICT (user_id, external_id) DO UPDATE SET
		        thread_id = EXCLUDED.thread_id,
		        subject = EXCLUDED.subject,
		        snippet = EXCLUDED.snippet,
		        from_address = EXCLUDED.from_address,
		        to_addresses = EXCLUDED.to_addresses,
		        internal_date = EXCLUDED.internal_date,
		        label_ids = EXCLUDED.label_ids,
		        is_read = EXCLUDED.is_read,
		        is_trashed = EXCLUDED.is_trashed,
		        direction = EXCLUDED.direction,
		        contact_id = COALESCE(EXCLUDED.contact_id, cached_messages.contact_id),
		        updated_at = now()`,
		msg.ID, msg.UserID, msg.ExternalID, msg.ThreadID, msg.Subject, msg.Snippet, msg.FromAddress,
		toAddrs, msg.InternalDate, labelIDs, msg.IsRead, msg.IsTrashed, msg.IsHidden,
		string(msg.Direction), msg.ContactID,
	)
	if err != nil {
		return fmt.Errorf("メッセージのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// FindByUserAndExternalID は外部IDでメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByUserAndExternalID(ctx context.Context, userID, externalID string) (*model.CachedMessage, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM cached_messages WHERE user_id = $1 AND external_id = $2`,
		userID, externalID,
	)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return msg, nil
}

// ListByContact は連絡先に紐付くメッセージをinternal_date降順で返す。
func (r *PostgresMessageRepo) ListByContact(ctx context.Context, userID, contactID string, limit int) ([]*model.CachedMessage, error) {
	return r.list(ctx,
		`SELECT `+messageColumns+` FROM cached_messages
		 WHERE user_id = $1 AND contact_id = $2 AND NOT is_hidden
		 ORDER BY internal_date DESC LIMIT $3`,
		userID, contactID, limit,
	)
}

// ListByUser はユーザーの全キャッシュメッセージをinternal_date降順で返す。
func (r *PostgresMessageRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.CachedMessage, error) {
	return r.list(ctx,
		`SELECT `+messageColumns+` FROM cached_messages
		 WHERE user_id = $1 AND NOT is_hidden
		 ORDER BY internal_date DESC LIMIT $2`,
		userID, limit,
	)
}

// NewestInternalDateByContact は連絡先の最新キャッシュメッセージの時刻を返す。
func (r *PostgresMessageRepo) NewestInternalDateByContact(ctx context.Context, userID, contactID string) (*time.Time, error) {
	var newest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(internal_date) FROM cached_messages WHERE user_id = $1 AND contact_id = $2`,
		userID, contactID,
	).Scan(&newest)
	if err != nil {
		return nil, fmt.Errorf("最新メッセージ時刻の取得に失敗しました: %w", err)
	}
	return nullTimePtr(newest), nil
}

// HasInboundInThreadSince は指定スレッドにsince以降の受信メッセージがキャッシュされているかを返す。
func (r *PostgresMessageRepo) HasInboundInThreadSince(ctx context.Context, userID, threadID string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		        SELECT 1 FROM cached_messages
		        WHERE user_id = $1 AND thread_id = $2 AND direction = $3 AND internal_date >= $4
		 )`,
		userID, threadID, string(model.DirectionInbound), since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("スレッド内返信の検索に失敗しました: %w", err)
	}
	return exists, nil
}

// UpdateFlags は既読・ゴミ箱・非表示フラグを部分更新する。nilのフィールドは変更しない。
func (r *PostgresMessageRepo) UpdateFlags(ctx context.Context, userID, externalID string, isRead, isTrashed, isHidden *bool) error {
	sets := []string{"updated_at = now()"}
	args := []any{userID, externalID}

	for _, f := range []struct {
		column string
		value  *bool
	}{
		{"is_read", isRead},
		{"is_trashed", isTrashed},
		{"is_hidden", isHidden},
	} {
		if f.value != nil {
			args = append(args, *f.value)
			sets = append(sets, fmt.Sprintf("%s = $%d", f.column, len(args)))
		}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE cached_messages SET `+strings.Join(sets, ", ")+
			` WHERE user_id = $1 AND external_id = $2`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("メッセージフラグの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByUserAndExternalID は外部フォルダへ移動されたメッセージをキャッシュから削除する。
func (r *PostgresMessageRepo) DeleteByUserAndExternalID(ctx context.Context, userID, externalID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cached_messages WHERE user_id = $1 AND external_id = $2`,
		userID, externalID,
	)
	if err != nil {
		return fmt.Errorf("メッセージの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteByUserID はユーザーの全キャッシュメッセージを削除する。
func (r *PostgresMessageRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cached_messages WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("メッセージキャッシュの削除に失敗しました: %w", err)
	}
	return nil
}

// list は共通のクエリ実行とスキャンを行う。
func (r *PostgresMessageRepo) list(ctx context.Context, query string, args ...any) ([]*model.CachedMessage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var msgs []*model.CachedMessage
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("メッセージの読み取りに失敗しました: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// scanMessage は1行をCachedMessageに読み取る。
func scanMessage(scan func(dest ...any) error) (*model.CachedMessage, error) {
	msg := &model.CachedMessage{}
	var toAddrs, labelIDs []byte
	var direction string
	var contactID sql.NullString

	err := scan(
		&msg.ID, &msg.UserID, &msg.ExternalID, &msg.ThreadID, &msg.Subject, &msg.Snippet, &msg.FromAddress,
		&toAddrs, &msg.InternalDate, &labelIDs, &msg.IsRead, &msg.IsTrashed, &msg.IsHidden,
		&direction, &contactID, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Direction = model.MessageDirection(direction)
	msg.ContactID = nullStringPtr(contactID)
	if msg.ToAddresses, err = unmarshalStringSlice(toAddrs); err != nil {
		return nil, err
	}
	if msg.LabelIDs, err = unmarshalStringSlice(labelIDs); err != nil {
		return nil, err
	}
	return msg, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
