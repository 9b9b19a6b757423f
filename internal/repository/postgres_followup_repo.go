package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// PostgresFollowUpRepo はPostgreSQLを使用したフォローアップシーケンスリポジトリ。
type PostgresFollowUpRepo struct {
	db *sql.DB
}

// NewPostgresFollowUpRepo はPostgresFollowUpRepoを生成する。
func NewPostgresFollowUpRepo(db *sql.DB) *PostgresFollowUpRepo {
	return &PostgresFollowUpRepo{db: db}
}

const sequenceColumns = `id, user_id, contact_id, scheduled_message_id, origin_message_id, thread_id,
	recipient, original_subject, anchor_sent_at, status, created_at, updated_at`

const followUpMessageColumns = `id, sequence_id, seq_no, delay_days, subject, body, status,
	send_at, sent_at, sent_message_id, created_at, updated_at`

// CreateSequence はシーケンスと全ステップを同一トランザクションで作成する。
func (r *PostgresFollowUpRepo) CreateSequence(ctx context.Context, seq *model.FollowUpSequence) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	seq.ID = ensureID(seq.ID)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO follow_up_sequences (id, user_id, contact_id, scheduled_message_id, origin_message_id,
		        thread_id, recipient, original_subject, anchor_sent_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		seq.ID, seq.UserID, seq.ContactID, seq.ScheduledMessageID, seq.OriginMessageID,
		seq.ThreadID, seq.Recipient, seq.OriginalSubject, seq.AnchorSentAt, string(seq.Status),
	)
	if err != nil {
		return fmt.Errorf("シーケンスの作成に失敗しました: %w", err)
	}

	for i := range seq.Messages {
		stampFollowUpMessage(seq.ID, &seq.Messages[i])
		if err := insertFollowUpMessage(ctx, tx, &seq.Messages[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// FindSequenceByID は指定IDのシーケンスをステップ込みで取得する。
func (r *PostgresFollowUpRepo) FindSequenceByID(ctx context.Context, id string) (*model.FollowUpSequence, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sequenceColumns+` FROM follow_up_sequences WHERE id = $1`, id,
	)
	seq, err := scanSequence(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("シーケンスの取得に失敗しました: %w", err)
	}
	if err := r.attachMessages(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// FindSequenceByScheduledMessageID は予約送信メッセージに紐付くシーケンスを取得する。
func (r *PostgresFollowUpRepo) FindSequenceByScheduledMessageID(ctx context.Context, scheduledMessageID string) (*model.FollowUpSequence, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sequenceColumns+` FROM follow_up_sequences WHERE scheduled_message_id = $1`,
		scheduledMessageID,
	)
	seq, err := scanSequence(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("シーケンスの検索に失敗しました: %w", err)
	}
	if err := r.attachMessages(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// ListActive はユーザーのactiveなシーケンスをステップ込みで返す。
func (r *PostgresFollowUpRepo) ListActive(ctx context.Context, userID string) ([]*model.FollowUpSequence, error) {
	return r.listWithMessages(ctx,
		`SELECT `+sequenceColumns+` FROM follow_up_sequences
		 WHERE user_id = $1 AND status = $2 ORDER BY created_at`,
		userID, string(model.SequenceStatusActive),
	)
}

// ListByUser はユーザーの全シーケンスをステップ込みで返す。
func (r *PostgresFollowUpRepo) ListByUser(ctx context.Context, userID string) ([]*model.FollowUpSequence, error) {
	return r.listWithMessages(ctx,
		`SELECT `+sequenceColumns+` FROM follow_up_sequences
		 WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
}

// UpdateSequenceStatus はシーケンスの状態を遷移させる。
func (r *PostgresFollowUpRepo) UpdateSequenceStatus(ctx context.Context, id string, status model.SequenceStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE follow_up_sequences SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("シーケンス状態の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateSequenceOrigin は元送信のIDと実送信時刻、未送信ステップの再計算済み送信時刻を反映する。
func (r *PostgresFollowUpRepo) UpdateSequenceOrigin(ctx context.Context, id, originMessageID, threadID string, anchorSentAt time.Time, pendingSendAts map[string]time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE follow_up_sequences SET
		        origin_message_id = $1, thread_id = $2, anchor_sent_at = $3, updated_at = now()
		 WHERE id = $4`,
		originMessageID, threadID, anchorSentAt, id,
	)
	if err != nil {
		return fmt.Errorf("シーケンス起点の更新に失敗しました: %w", err)
	}

	for messageID, sendAt := range pendingSendAts {
		_, err := tx.ExecContext(ctx,
			`UPDATE follow_up_messages SET send_at = $1, updated_at = now()
			 WHERE id = $2 AND status = $3`,
			sendAt, messageID, string(model.FollowUpStatusPending),
		)
		if err != nil {
			return fmt.Errorf("ステップ送信時刻の更新に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// MarkMessageSent はステップをsentに遷移させ、送信時刻と外部IDを記録する。
func (r *PostgresFollowUpRepo) MarkMessageSent(ctx context.Context, messageID, sentMessageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE follow_up_messages SET
		        status = $1, sent_at = $2, sent_message_id = $3, updated_at = now()
		 WHERE id = $4`,
		string(model.FollowUpStatusSent), at, sentMessageID, messageID,
	)
	if err != nil {
		return fmt.Errorf("ステップの送信済み遷移に失敗しました: %w", err)
	}
	return nil
}

// CancelPendingMessages はシーケンスの全未送信ステップをcancelledに遷移させる。
func (r *PostgresFollowUpRepo) CancelPendingMessages(ctx context.Context, sequenceID string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE follow_up_messages SET status = $1, updated_at = now()
		 WHERE sequence_id = $2 AND status = $3`,
		string(model.FollowUpStatusCancelled), sequenceID, string(model.FollowUpStatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("未送信ステップの取り消しに失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// ReplacePendingMessages は未送信ステップを全削除して新しいステップを挿入する。
func (r *PostgresFollowUpRepo) ReplacePendingMessages(ctx context.Context, sequenceID string, messages []model.FollowUpMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM follow_up_messages WHERE sequence_id = $1 AND status = $2`,
		sequenceID, string(model.FollowUpStatusPending),
	)
	if err != nil {
		return fmt.Errorf("未送信ステップの削除に失敗しました: %w", err)
	}

	for i := range messages {
		stampFollowUpMessage(sequenceID, &messages[i])
		if err := insertFollowUpMessage(ctx, tx, &messages[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// insertFollowUpMessage はステップ1件を挿入する。
func insertFollowUpMessage(ctx context.Context, tx *sql.Tx, m *model.FollowUpMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO follow_up_messages (id, sequence_id, seq_no, delay_days, subject, body,
		        status, send_at, sent_at, sent_message_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		m.ID, m.SequenceID, m.SeqNo, m.DelayDays, m.Subject, m.Body,
		string(m.Status), m.SendAt, m.SentAt, m.SentMessageID,
	)
	if err != nil {
		return fmt.Errorf("ステップの挿入に失敗しました: %w", err)
	}
	return nil
}

// listWithMessages はシーケンス一覧を取得し、各シーケンスにステップを付与する。
func (r *PostgresFollowUpRepo) listWithMessages(ctx context.Context, query string, args ...any) ([]*model.FollowUpSequence, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("シーケンス一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var seqs []*model.FollowUpSequence
	for rows.Next() {
		seq, err := scanSequence(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("シーケンスの読み取りに失敗しました: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, seq := range seqs {
		if err := r.attachMessages(ctx, seq); err != nil {
			return nil, err
		}
	}
	return seqs, nil
}

// attachMessages はシーケンスのステップをseq_no昇順で取得して付与する。
func (r *PostgresFollowUpRepo) attachMessages(ctx context.Context, seq *model.FollowUpSequence) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+followUpMessageColumns+` FROM follow_up_messages
		 WHERE sequence_id = $1 ORDER BY seq_no`,
		seq.ID,
	)
	if err != nil {
		return fmt.Errorf("ステップ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := model.FollowUpMessage{}
		var status string
		var sentAt sql.NullTime
		err := rows.Scan(
			&m.ID, &m.SequenceID, &m.SeqNo, &m.DelayDays, &m.Subject, &m.Body, &status,
			&m.SendAt, &sentAt, &m.SentMessageID, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("ステップの読み取りに失敗しました: %w", err)
		}
		m.Status = model.FollowUpStatus(status)
		m.SentAt = nullTimePtr(sentAt)
		seq.Messages = append(seq.Messages, m)
	}
	return rows.Err()
}

// scanSequence は1行をFollowUpSequenceに読み取る。ステップは含まない。
func scanSequence(scan func(dest ...any) error) (*model.FollowUpSequence, error) {
	seq := &model.FollowUpSequence{}
	var status string
	var contactID, scheduledID sql.NullString

	err := scan(
		&seq.ID, &seq.UserID, &contactID, &scheduledID, &seq.OriginMessageID, &seq.ThreadID,
		&seq.Recipient, &seq.OriginalSubject, &seq.AnchorSentAt, &status, &seq.CreatedAt, &seq.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	seq.Status = model.SequenceStatus(status)
	seq.ContactID = nullStringPtr(contactID)
	seq.ScheduledMessageID = nullStringPtr(scheduledID)
	return seq, nil
}

// compile-time interface check
var _ FollowUpRepository = (*PostgresFollowUpRepo)(nil)
