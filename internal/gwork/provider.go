// Package gwork はGoogle Workspace（Gmail/Calendar）へのプロバイダーアダプターを提供する。
// 上位の同期・送信・空き時間計算サービスは、このパッケージの狭いインターフェースにのみ依存する。
package gwork

import (
	"context"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// MessagePage はメッセージ一覧の1ページ分の結果を表す。
type MessagePage struct {
	IDs           []string
	NextPageToken string
}

// MessageMeta はメッセージのヘッダーメタデータを表す。本文は含まない。
type MessageMeta struct {
	ExternalID   string
	ThreadID     string
	Subject      string
	Snippet      string
	From         string
	To           []string
	LabelIDs     []string
	InternalDate time.Time
	IsUnread     bool
	IsTrashed    bool
}

// OutgoingMessage は送信するメッセージの構成要素を表す。
type OutgoingMessage struct {
	From      string
	To        string
	Cc        []string
	Bcc       []string
	Subject   string
	HTMLBody  string
	ThreadID  string // 既存スレッドへの返信時に指定する外部スレッドID
	InReplyTo string
	References string
}

// SendResult は送信成功時にプロバイダーが発行した外部IDを表す。
type SendResult struct {
	MessageID string
	ThreadID  string
}

// ThreadMessage は返信検出用のスレッド内メッセージの最小投影を表す。
type ThreadMessage struct {
	From         string
	InternalDate time.Time
}

// MailService はメールプロバイダーへの操作インターフェース。
type MailService interface {
	// Profile はアカウント自身のメールアドレスを返す。
	Profile(ctx context.Context) (string, error)

	// ListMessageIDs は検索クエリに一致するメッセージIDをページ単位で返す。
	ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int64) (*MessagePage, error)

	// MessageMetadata は指定メッセージのヘッダーメタデータを取得する。
	MessageMetadata(ctx context.Context, id string) (*MessageMeta, error)

	// Send は構成済みメッセージを送信し、発行された外部IDを返す。
	Send(ctx context.Context, out *OutgoingMessage) (*SendResult, error)

	// ThreadMessages は指定スレッドの全メッセージの最小投影を返す。
	// ライブ返信検出のフォールバックに使用する。
	ThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)

	// Modify はメッセージのラベルを追加・削除する。
	Modify(ctx context.Context, id string, addLabels, removeLabels []string) error

	// Trash / Untrash はメッセージをゴミ箱へ移動・復元する。
	Trash(ctx context.Context, id string) error
	Untrash(ctx context.Context, id string) error
}

// CalendarInfo はアカウントのカレンダー1件を表す。
type CalendarInfo struct {
	ID         string
	Summary    string
	AccessRole string // owner / writer / reader / freeBusyReader
	Primary    bool
}

// EventQuery はイベント取得の条件を表す。
// SyncTokenが指定された場合は増分取得を行い、TimeMin/TimeMaxは無視される。
type EventQuery struct {
	CalendarID string
	SyncToken  string
	PageToken  string
	TimeMin    time.Time
	TimeMax    time.Time
}

// EventData はプロバイダーから取得したイベント1件の正規化表現を表す。
type EventData struct {
	ExternalID       string
	CalendarID       string
	Title            string
	Description      string
	Private          bool
	Start            time.Time
	End              time.Time
	AllDay           bool
	Location         string
	MeetingURL       string
	Status           string
	Attendees        []string
	RecurringEventID string
	Cancelled        bool
}

// EventPage はイベント一覧の1ページ分の結果を表す。
// 最終ページでのみNextSyncTokenが設定される。
type EventPage struct {
	Events        []EventData
	NextPageToken string
	NextSyncToken string
}

// CalendarService はカレンダープロバイダーへの操作インターフェース。
type CalendarService interface {
	// Timezone はアカウントのカレンダータイムゾーン設定を返す。
	Timezone(ctx context.Context) (string, error)

	// ListCalendars はアカウントのカレンダー一覧を返す。
	ListCalendars(ctx context.Context) ([]CalendarInfo, error)

	// ListEvents は条件に一致するイベントをページ単位で返す。
	// 保存済みSyncTokenが失効している場合はErrSyncTokenExpiredを返す。
	ListEvents(ctx context.Context, q EventQuery) (*EventPage, error)

	// FreeBusy は指定カレンダー群のbusy区間を取得する。
	FreeBusy(ctx context.Context, calendarIDs []string, from, to time.Time, timezone string) ([]model.BusyInterval, error)
}

// Connection は1ユーザー分の有効なアクセストークンで構築されたプロバイダー接続を表す。
type Connection struct {
	Mail     MailService
	Calendar CalendarService
}

// ConnectionFactory はアクセストークンからプロバイダー接続を構築するインターフェース。
// テストではフェイク実装に差し替える。
type ConnectionFactory interface {
	NewConnection(ctx context.Context, accessToken string) (*Connection, error)
}

// TokenPair はOAuth交換・リフレッシュの結果を表す。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuthClient はOAuthトークンのライフサイクル操作インターフェース。
type OAuthClient interface {
	// Exchange は認可コードをトークンペアに交換する。
	Exchange(ctx context.Context, code string) (*TokenPair, error)

	// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
	// リフレッシュトークンが拒否された場合はErrTokenRejectedを返す。
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)

	// Revoke はアクセストークンを失効させる。
	Revoke(ctx context.Context, accessToken string) error

	// AuthURL は認可画面のURLを生成する。
	AuthURL(state string) string
}
