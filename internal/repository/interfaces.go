// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// CredentialRepository は委任資格情報の永続化インターフェース。
// ユーザーにつき最大1件の制約はuser_idのUNIQUE制約で保証する。
type CredentialRepository interface {
	// FindByUserID は指定ユーザーのCredentialを取得する。未接続の場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)

	// Upsert はCredentialをuser_idをキーに冪等にUPSERTする。
	// OAuth交換の再実行で重複行が生まれてはならない。
	Upsert(ctx context.Context, cred *model.Credential) error

	// UpdateTokens はリフレッシュ後のアクセストークンと有効期限を即時永続化する。
	// 並行する別の呼び出しが新しいトークンを観測できるようにする。
	UpdateTokens(ctx context.Context, userID, accessToken string, expiry time.Time) error

	// UpdateMailSyncedAt はメール同期の完了時刻を記録する。
	UpdateMailSyncedAt(ctx context.Context, userID string, at time.Time) error

	// UpdateCalendarState はカレンダー関連フィールド（カーソル、タイムゾーン、
	// busyカレンダー集合、スコープフラグ、同期時刻）をまとめて更新する。
	// 全UPSERT成功後に最後に呼び出すこと。
	UpdateCalendarState(ctx context.Context, cred *model.Credential) error

	// ClearCalendarState はカレンダーのみの切断を行う。
	// カーソル、タイムゾーン、busyカレンダー、スコープフラグ、同期時刻をクリアする。
	ClearCalendarState(ctx context.Context, userID string) error

	// UpdateProfiles は名前付き空き時間プロファイルの集合を更新する。
	UpdateProfiles(ctx context.Context, userID string, profiles map[string]model.AvailabilityProfile) error

	// DeleteByUserID は指定ユーザーのCredentialを削除する。
	DeleteByUserID(ctx context.Context, userID string) error

	// ListUserIDs は接続済みの全ユーザーIDを返す。定期処理の列挙に使用する。
	ListUserIDs(ctx context.Context) ([]string, error)
}

// SessionRepository はセッションの読み取りインターフェース。
// セッションの発行・失効は認証レイヤーが所有するため、この
// エンジンはCookie解決のための参照のみ行う。
type SessionRepository interface {
	// FindByID は指定IDの有効なセッションを取得する。
	// 見つからない、または有効期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// ContactRepository は連絡先投影の読み取りインターフェース。
// 連絡先の作成・編集はCRUD層が所有するため、このエンジンは読み取りのみ行う。
type ContactRepository interface {
	// FindByID は指定IDの連絡先を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Contact, error)

	// ListWithEmails はメールアドレスを1件以上持つユーザーの連絡先一覧を返す。
	ListWithEmails(ctx context.Context, userID string) ([]*model.Contact, error)
}

// MessageRepository はメッセージキャッシュの永続化インターフェース。
// (user_id, external_id) が一意であり、UPSERTは冪等。
type MessageRepository interface {
	// Upsert はメッセージを(user_id, external_id)をキーにUPSERTする。
	// 同一キーへの再書き込みは行を複製せず、後勝ちで上書きする。
	Upsert(ctx context.Context, msg *model.CachedMessage) error

	// FindByUserAndExternalID は外部IDでメッセージを取得する。見つからない場合はnilを返す。
	FindByUserAndExternalID(ctx context.Context, userID, externalID string) (*model.CachedMessage, error)

	// ListByContact は連絡先に紐付くメッセージをinternal_date降順で返す。
	ListByContact(ctx context.Context, userID, contactID string, limit int) ([]*model.CachedMessage, error)

	// ListByUser はユーザーの全キャッシュメッセージをinternal_date降順で返す。
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.CachedMessage, error)

	// NewestInternalDateByContact は連絡先の最新キャッシュメッセージの時刻を返す。
	// キャッシュが無い場合はnilを返す。同期範囲の下限決定に使用する。
	NewestInternalDateByContact(ctx context.Context, userID, contactID string) (*time.Time, error)

	// HasInboundInThreadSince は指定スレッドにsince以降の受信メッセージが
	// キャッシュされているかを返す。返信検出の第1段として使用する。
	HasInboundInThreadSince(ctx context.Context, userID, threadID string, since time.Time) (bool, error)

	// UpdateFlags は既読・ゴミ箱・非表示フラグを部分更新する。nilのフィールドは変更しない。
	UpdateFlags(ctx context.Context, userID, externalID string, isRead, isTrashed, isHidden *bool) error

	// DeleteByUserAndExternalID は外部フォルダへ移動されたメッセージをキャッシュから削除する。
	DeleteByUserAndExternalID(ctx context.Context, userID, externalID string) error

	// DeleteByUserID はユーザーの全キャッシュメッセージを削除する。接続解除時に使用する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ScheduledMessageRepository は予約送信メッセージの永続化インターフェース。
type ScheduledMessageRepository interface {
	// Create は予約送信メッセージを作成する。
	Create(ctx context.Context, msg *model.ScheduledMessage) error

	// FindByID は指定IDの予約送信メッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ScheduledMessage, error)

	// Update は編集可能フィールド（宛先、件名、本文、送信時刻）を更新する。
	Update(ctx context.Context, msg *model.ScheduledMessage) error

	// ListDue はstatus=pendingかつsend_at<=nowのメッセージをsend_at昇順で返す。
	ListDue(ctx context.Context, userID string, now time.Time) ([]*model.ScheduledMessage, error)

	// ListByUser はユーザーの予約送信メッセージ一覧をsend_at昇順で返す。
	ListByUser(ctx context.Context, userID string) ([]*model.ScheduledMessage, error)

	// MarkSent は送信成功したメッセージをsentに遷移させ、外部IDを記録する。
	MarkSent(ctx context.Context, id, sentMessageID, sentThreadID string, at time.Time) error

	// MarkCancelled はメッセージをcancelledに遷移させる。
	MarkCancelled(ctx context.Context, id string) error
}

// FollowUpRepository はフォローアップシーケンスの永続化インターフェース。
type FollowUpRepository interface {
	// CreateSequence はシーケンスと全ステップを同一トランザクションで作成する。
	CreateSequence(ctx context.Context, seq *model.FollowUpSequence) error

	// FindSequenceByID は指定IDのシーケンスをステップ込みで取得する。
	// 見つからない場合はnilを返す。
	FindSequenceByID(ctx context.Context, id string) (*model.FollowUpSequence, error)

	// FindSequenceByScheduledMessageID は予約送信メッセージに紐付くシーケンスを取得する。
	// 見つからない場合はnilを返す。取り消しカスケードとID伝播に使用する。
	FindSequenceByScheduledMessageID(ctx context.Context, scheduledMessageID string) (*model.FollowUpSequence, error)

	// ListActive はユーザーのactiveなシーケンスをステップ込みで返す。
	ListActive(ctx context.Context, userID string) ([]*model.FollowUpSequence, error)

	// ListByUser はユーザーの全シーケンスをステップ込みで返す。
	ListByUser(ctx context.Context, userID string) ([]*model.FollowUpSequence, error)

	// UpdateSequenceStatus はシーケンスの状態を遷移させる。
	UpdateSequenceStatus(ctx context.Context, id string, status model.SequenceStatus) error

	// UpdateSequenceOrigin は元送信の外部ID・スレッドID・実送信時刻と、
	// 未送信ステップの再計算済み送信時刻を同一トランザクションで反映する。
	UpdateSequenceOrigin(ctx context.Context, id, originMessageID, threadID string, anchorSentAt time.Time, pendingSendAts map[string]time.Time) error

	// MarkMessageSent はステップをsentに遷移させ、送信時刻と外部IDを記録する。
	MarkMessageSent(ctx context.Context, messageID, sentMessageID string, at time.Time) error

	// CancelPendingMessages はシーケンスの全未送信ステップをcancelledに遷移させる。
	// 取り消したステップ数を返す。
	CancelPendingMessages(ctx context.Context, sequenceID string) (int, error)

	// ReplacePendingMessages は未送信ステップを全削除して新しいステップを挿入する。
	// 同一トランザクションで実行する。送信済みステップには触れない。
	ReplacePendingMessages(ctx context.Context, sequenceID string, messages []model.FollowUpMessage) error
}

// EventRepository はカレンダーイベントキャッシュの永続化インターフェース。
type EventRepository interface {
	// Upsert はイベントを(user_id, external_id)をキーにUPSERTする。
	Upsert(ctx context.Context, event *model.CachedCalendarEvent) error

	// FindByUserAndExternalID は外部IDでイベントを取得する。見つからない場合はnilを返す。
	FindByUserAndExternalID(ctx context.Context, userID, externalID string) (*model.CachedCalendarEvent, error)

	// ListByUserInRange は期間内のイベントをstart_at昇順で返す。
	ListByUserInRange(ctx context.Context, userID string, from, to time.Time) ([]*model.CachedCalendarEvent, error)

	// DeleteByUserAndExternalID は取り消されたイベントをキャッシュから削除する。
	DeleteByUserAndExternalID(ctx context.Context, userID, externalID string) error
}
