package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// PostgresScheduledMessageRepo はPostgreSQLを使用した予約送信メッセージリポジトリ。
type PostgresScheduledMessageRepo struct {
	db *sql.DB
}

// NewPostgresScheduledMessageRepo はPostgresScheduledMessageRepoを生成する。
func NewPostgresScheduledMessageRepo(db *sql.DB) *PostgresScheduledMessageRepo {
	return &PostgresScheduledMessageRepo{db: db}
}

const scheduledColumns = `id, user_id, contact_id, to_address, cc_addresses, bcc_addresses,
	subject, body, thread_id, in_reply_to, reference_ids, send_at, status,
	sent_message_id, sent_thread_id, created_at, updated_at`

// Create は予約送信メッセージを作成する。
func (r *PostgresScheduledMessageRepo) Create(ctx context.Context, msg *model.ScheduledMessage) error {
	ccAddrs, err := marshalStringSlice(msg.CcAddresses)
	if err != nil {
		return err
	}
	bccAddrs, err := marshalStringSlice(msg.BccAddresses)
	if err != nil {
		return err
	}

	msg.ID = ensureID(msg.ID)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages (id, user_id, contact_id, to_address, cc_addresses, bcc_addresses,
		        subject, body, thread_id, in_reply_to, reference_ids, send_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())`,
		msg.ID, msg.UserID, msg.ContactID, msg.ToAddress, ccAddrs, bccAddrs,
		msg.Subject, msg.Body, msg.ThreadID, msg.InReplyTo, msg.References, msg.SendAt, string(msg.Status),
	)
	if err != nil {
		return fmt.Errorf("予約送信メッセージの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの予約送信メッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresScheduledMessageRepo) FindByID(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = $1`, id,
	)
	msg, err := scanScheduled(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約送信メッセージの取得に失敗しました: %w", err)
	}
	return msg, nil
}

// Update は編集可能フィールド（宛先、件名、本文、送信時刻）を更新する。
func (r *PostgresScheduledMessageRepo) Update(ctx context.Context, msg *model.ScheduledMessage) error {
	ccAddrs, err := marshalStringSlice(msg.CcAddresses)
	if err != nil {
		return err
	}
	bccAddrs, err := marshalStringSlice(msg.BccAddresses)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET
		        to_address = $1, cc_addresses = $2, bcc_addresses = $3,
		        subject = $4, body = $5, send_at = $6, updated_at = now()
		 WHERE id = $7`,
		msg.ToAddress, ccAddrs, bccAddrs, msg.Subject, msg.Body, msg.SendAt, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("予約送信メッセージの更新に失敗しました: %w", err)
	}
	return nil
}

// ListDue はstatus=pendingかつsend_at<=nowのメッセージをsend_at昇順で返す。
func (r *PostgresScheduledMessageRepo) ListDue(ctx context.Context, userID string, now time.Time) ([]*model.ScheduledMessage, error) {
	return r.list(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages
		 WHERE user_id = $1 AND status = $2 AND send_at <= $3
		 ORDER BY send_at`,
		userID, string(model.ScheduledStatusPending), now,
	)
}

// ListByUser はユーザーの予約送信メッセージ一覧をsend_at昇順で返す。
func (r *PostgresScheduledMessageRepo) ListByUser(ctx context.Context, userID string) ([]*model.ScheduledMessage, error) {
	return r.list(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages
		 WHERE user_id = $1 ORDER BY send_at`,
		userID,
	)
}

// MarkSent は送信成功したメッセージをsentに遷移させ、外部IDを記録する。
func (r *PostgresScheduledMessageRepo) MarkSent(ctx context.Context, id, sentMessageID, sentThreadID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET
		        status = $1, sent_message_id = $2, sent_thread_id = $3, updated_at = $4
		 WHERE id = $5`,
		string(model.ScheduledStatusSent), sentMessageID, sentThreadID, at, id,
	)
	if err != nil {
		return fmt.Errorf("送信済みへの遷移に失敗しました: %w", err)
	}
	return nil
}

// MarkCancelled はメッセージをcancelledに遷移させる。
func (r *PostgresScheduledMessageRepo) MarkCancelled(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status = $1, updated_at = now() WHERE id = $2`,
		string(model.ScheduledStatusCancelled), id,
	)
	if err != nil {
		return fmt.Errorf("取り消しへの遷移に失敗しました: %w", err)
	}
	return nil
}

// list は共通のクエリ実行とスキャンを行う。
func (r *PostgresScheduledMessageRepo) list(ctx context.Context, query string, args ...any) ([]*model.ScheduledMessage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("予約送信メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var msgs []*model.ScheduledMessage
	for rows.Next() {
		msg, err := scanScheduled(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("予約送信メッセージの読み取りに失敗しました: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// scanScheduled は1行をScheduledMessageに読み取る。
func scanScheduled(scan func(dest ...any) error) (*model.ScheduledMessage, error) {
	msg := &model.ScheduledMessage{}
	var ccAddrs, bccAddrs []byte
	var status string
	var contactID sql.NullString

	err := scan(
		&msg.ID, &msg.UserID, &contactID, &msg.ToAddress, &ccAddrs, &bccAddrs,
		&msg.Subject, &msg.Body, &msg.ThreadID, &msg.InReplyTo, &msg.References, &msg.SendAt, &status,
		&msg.SentMessageID, &msg.SentThreadID, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Status = model.ScheduledStatus(status)
	msg.ContactID = nullStringPtr(contactID)
	if msg.CcAddresses, err = unmarshalStringSlice(ccAddrs); err != nil {
		return nil, err
	}
	if msg.BccAddresses, err = unmarshalStringSlice(bccAddrs); err != nil {
		return nil, err
	}
	return msg, nil
}

// compile-time interface check
var _ ScheduledMessageRepository = (*PostgresScheduledMessageRepo)(nil)
