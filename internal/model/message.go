// Package model はドメインモデルを定義する。
package model

import "time"

// MessageDirection はメッセージの方向（受信/送信）を表す。
type MessageDirection string

const (
	// DirectionInbound は相手からの受信メッセージ。
	DirectionInbound MessageDirection = "inbound"
	// DirectionOutbound はアカウント所有者が送信したメッセージ。
	DirectionOutbound MessageDirection = "outbound"
)

// CachedMessage は外部メールメッセージのローカル投影を表す。
// (user_id, external_id) が一意であり、UPSERTは冪等に行われる。
type CachedMessage struct {
	ID           string
	UserID       string
	ExternalID   string
	ThreadID     string
	Subject      string
	Snippet      string // サニタイズ済みプレーンテキスト
	FromAddress  string
	ToAddresses  []string
	InternalDate time.Time
	LabelIDs     []string
	IsRead       bool
	IsTrashed    bool
	IsHidden     bool
	Direction    MessageDirection
	ContactID    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScheduledStatus は予約送信メッセージの状態を表す。
type ScheduledStatus string

const (
	// ScheduledStatusPending は送信待ちの状態。
	ScheduledStatusPending ScheduledStatus = "pending"
	// ScheduledStatusSent は送信済みの状態。Send Dispatcherのみが遷移させる。
	ScheduledStatusSent ScheduledStatus = "sent"
	// ScheduledStatusCancelled はユーザー操作で取り消された状態。
	ScheduledStatusCancelled ScheduledStatus = "cancelled"
)

// ScheduledMessage は将来の送信時刻を待つ一回限りの送信メッセージを表す。
type ScheduledMessage struct {
	ID           string
	UserID       string
	ContactID    *string
	ToAddress    string
	CcAddresses  []string
	BccAddresses []string
	Subject      string
	Body         string // HTML本文
	ThreadID     string // スレッド返信時の外部スレッドID。空は新規スレッド。
	InReplyTo    string
	References   string
	SendAt       time.Time
	Status       ScheduledStatus
	SentMessageID string // 送信成功後に付与される外部メッセージID
	SentThreadID  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
