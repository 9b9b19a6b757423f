// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sync, send, availability, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotConnected        = "NOT_CONNECTED"
	ErrCodeRefreshFailed       = "REFRESH_FAILED"
	ErrCodeSyncRateLimited     = "SYNC_RATE_LIMITED"
	ErrCodeNeverSynced         = "NEVER_SYNCED"
	ErrCodeScheduledNotFound   = "SCHEDULED_NOT_FOUND"
	ErrCodeScheduledNotPending = "SCHEDULED_NOT_PENDING"
	ErrCodeSequenceNotFound    = "SEQUENCE_NOT_FOUND"
	ErrCodeSequenceNotActive   = "SEQUENCE_NOT_ACTIVE"
	ErrCodeContactNotFound     = "CONTACT_NOT_FOUND"
	ErrCodeMessageNotFound     = "MESSAGE_NOT_FOUND"
	ErrCodeInvalidTimeRange    = "INVALID_TIME_RANGE"
	ErrCodeInvalidProfile      = "INVALID_PROFILE"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeProviderError       = "PROVIDER_ERROR"
)

// NewNotConnectedError は未接続エラーを生成する。
// Credentialが存在しない、または必要なスコープが付与されていない場合に返す。
func NewNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConnected,
		Message:  "メールアカウントが接続されていません。",
		Category: "auth",
		Action:   "設定画面からGoogleアカウントを接続してください。",
	}
}

// NewRefreshFailedError はトークンリフレッシュ拒否エラーを生成する。
// 再認可が必要であり、自動リトライは行わない。
func NewRefreshFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  "アクセストークンの更新が拒否されました。",
		Category: "auth",
		Action:   "Googleアカウントを再接続してください。",
	}
}

// NewSyncRateLimitedError は同期クールダウン中エラーを生成する。
func NewSyncRateLimitedError(retryAfterSeconds int) *APIError {
	return &APIError{
		Code:     ErrCodeSyncRateLimited,
		Message:  fmt.Sprintf("カレンダー同期は実行されたばかりです。約%d秒後に再試行できます。", retryAfterSeconds),
		Category: "sync",
		Action:   "しばらく待ってから再度同期してください。",
	}
}

// NewNeverSyncedError はカレンダー未同期エラーを生成する。
// 空き時間計算の前提条件違反であり、ハードエラーではなく案内として扱う。
func NewNeverSyncedError() *APIError {
	return &APIError{
		Code:     ErrCodeNeverSynced,
		Message:  "カレンダーがまだ同期されていません。",
		Category: "availability",
		Action:   "先にカレンダー同期を実行してください。",
	}
}

// NewScheduledNotFoundError は予約送信メッセージ未検出エラーを生成する。
func NewScheduledNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeScheduledNotFound,
		Message:  fmt.Sprintf("指定された予約送信メッセージが見つかりません: %s", id),
		Category: "send",
		Action:   "メッセージIDを確認してください。",
	}
}

// NewScheduledNotPendingError は送信待ちでないメッセージへの編集・取り消しエラーを生成する。
func NewScheduledNotPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeScheduledNotPending,
		Message:  "この予約送信メッセージは送信待ちではないため操作できません。",
		Category: "send",
		Action:   "送信済み・取り消し済みのメッセージは編集できません。",
	}
}

// NewSequenceNotFoundError はフォローアップシーケンス未検出エラーを生成する。
func NewSequenceNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeSequenceNotFound,
		Message:  fmt.Sprintf("指定されたフォローアップシーケンスが見つかりません: %s", id),
		Category: "send",
		Action:   "シーケンスIDを確認してください。",
	}
}

// NewSequenceNotActiveError はアクティブでないシーケンスへの編集エラーを生成する。
func NewSequenceNotActiveError() *APIError {
	return &APIError{
		Code:     ErrCodeSequenceNotActive,
		Message:  "このシーケンスはアクティブではないため編集できません。",
		Category: "send",
		Action:   "完了・取り消し済みのシーケンスは編集できません。",
	}
}

// NewContactNotFoundError は連絡先未検出エラーを生成する。
func NewContactNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeContactNotFound,
		Message:  fmt.Sprintf("指定された連絡先が見つかりません: %s", id),
		Category: "sync",
		Action:   "連絡先IDを確認してください。",
	}
}

// NewMessageNotFoundError はキャッシュメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(externalID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", externalID),
		Category: "sync",
		Action:   "メッセージIDを確認してください。",
	}
}

// NewInvalidTimeRangeError は無効な時間範囲エラーを生成する。
func NewInvalidTimeRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimeRange,
		Message:  fmt.Sprintf("無効な時間範囲です: %s", reason),
		Category: "validation",
		Action:   "開始・終了日時を確認してください。",
	}
}

// NewInvalidProfileError は無効な空き時間プロファイルエラーを生成する。
func NewInvalidProfileError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProfile,
		Message:  fmt.Sprintf("無効な空き時間プロファイルです: %s", reason),
		Category: "validation",
		Action:   "曜日・時間帯・スロット長の設定を確認してください。",
	}
}

// NewValidationError は入力値の一般検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewProviderError はプロバイダー起因の一般エラーを生成する。
// バッチ処理内では項目単位で捕捉・計数され、パス全体は中断しない。
func NewProviderError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  fmt.Sprintf("外部プロバイダーとの通信に失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
