// Package model はドメインモデルを定義する。
package model

import "time"

// SequenceStatus はフォローアップシーケンスの状態を表す。
type SequenceStatus string

const (
	// SequenceStatusActive は処理対象のアクティブな状態。
	SequenceStatusActive SequenceStatus = "active"
	// SequenceStatusCompleted は全メッセージが終端状態になった状態。
	SequenceStatusCompleted SequenceStatus = "completed"
	// SequenceStatusCancelledUser はユーザー操作による取り消し状態。
	SequenceStatusCancelledUser SequenceStatus = "cancelled_user"
	// SequenceStatusCancelledReply は返信検出による自動取り消し状態。
	SequenceStatusCancelledReply SequenceStatus = "cancelled_reply"
)

// IsTerminal はシーケンスが終端状態かを返す。
func (s SequenceStatus) IsTerminal() bool {
	return s != SequenceStatusActive
}

// FollowUpStatus はフォローアップメッセージ単体の状態を表す。
type FollowUpStatus string

const (
	// FollowUpStatusPending は送信待ちの状態。
	FollowUpStatusPending FollowUpStatus = "pending"
	// FollowUpStatusSent は送信済みの状態。
	FollowUpStatusSent FollowUpStatus = "sent"
	// FollowUpStatusCancelled は取り消された状態。
	FollowUpStatusCancelled FollowUpStatus = "cancelled"
)

// FollowUpSequence は最初に送信した1通のメッセージ/スレッドに紐付く
// リマインダーキャンペーンを表す。
// 返信が検出されると未送信メッセージごと自動取り消しされる。
type FollowUpSequence struct {
	ID                 string
	UserID             string
	ContactID          *string
	ScheduledMessageID *string // 元送信を生んだScheduledMessageへのリンク（任意）
	OriginMessageID    string  // 元送信の外部メッセージID
	ThreadID           string  // 返信検出の対象スレッド
	Recipient          string
	OriginalSubject    string
	AnchorSentAt       time.Time // 元送信の送信時刻。全ステップの基準点。
	Status             SequenceStatus
	Messages           []FollowUpMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PendingMessages は未送信ステップを連番順に返す。
func (s *FollowUpSequence) PendingMessages() []FollowUpMessage {
	var pending []FollowUpMessage
	for _, m := range s.Messages {
		if m.Status == FollowUpStatusPending {
			pending = append(pending, m)
		}
	}
	return pending
}

// FollowUpSendAt は元送信時刻と日数オフセットからステップの送信時刻を計算する。
// 時分秒は元送信時刻のまま保持し、日付のみを進める。
func FollowUpSendAt(anchor time.Time, delayDays int) time.Time {
	return anchor.AddDate(0, 0, delayDays)
}

// FollowUpMessage はシーケンス内の1ステップを表す。
// 連番は1始まりで密、狭義単調増加。
type FollowUpMessage struct {
	ID            string
	SequenceID    string
	SeqNo         int
	DelayDays     int // 元送信からの日数オフセット
	Subject       string
	Body          string
	Status        FollowUpStatus
	SendAt        time.Time // AnchorSentAt + DelayDays日 で計算された絶対時刻
	SentAt        *time.Time
	SentMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
