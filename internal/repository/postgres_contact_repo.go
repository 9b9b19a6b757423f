package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/kizuna/internal/model"
)

// PostgresContactRepo はPostgreSQLを使用した連絡先リポジトリ。
// 連絡先の書き込みはCRUD層が所有するため読み取り操作のみ提供する。
type PostgresContactRepo struct {
	db *sql.DB
}

// NewPostgresContactRepo はPostgresContactRepoを生成する。
func NewPostgresContactRepo(db *sql.DB) *PostgresContactRepo {
	return &PostgresContactRepo{db: db}
}

// FindByID は指定IDの連絡先を取得する。見つからない場合はnilを返す。
func (r *PostgresContactRepo) FindByID(ctx context.Context, id string) (*model.Contact, error) {
	contact := &model.Contact{}
	var emails []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, emails FROM contacts WHERE id = $1`,
		id,
	).Scan(&contact.ID, &contact.UserID, &contact.Name, &emails)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連絡先の取得に失敗しました: %w", err)
	}

	if contact.Emails, err = unmarshalStringSlice(emails); err != nil {
		return nil, err
	}
	return contact, nil
}

// ListWithEmails はメールアドレスを1件以上持つユーザーの連絡先一覧を返す。
func (r *PostgresContactRepo) ListWithEmails(ctx context.Context, userID string) ([]*model.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, emails FROM contacts
		 WHERE user_id = $1 AND jsonb_array_length(emails) > 0
		 ORDER BY name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("連絡先一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var contacts []*model.Contact
	for rows.Next() {
		contact := &model.Contact{}
		var emails []byte
		if err := rows.Scan(&contact.ID, &contact.UserID, &contact.Name, &emails); err != nil {
			return nil, fmt.Errorf("連絡先の読み取りに失敗しました: %w", err)
		}
		if contact.Emails, err = unmarshalStringSlice(emails); err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

// compile-time interface check
var _ ContactRepository = (*PostgresContactRepo)(nil)
