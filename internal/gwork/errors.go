package gwork

import (
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"
)

// ErrSyncTokenExpired は保存済みの増分同期トークンが失効したことを示す。
// 呼び出し側はカーソルをクリアしてフルウィンドウ取得にフォールバックする。
var ErrSyncTokenExpired = errors.New("カレンダー同期トークンが失効しています")

// ErrTokenRejected はリフレッシュトークンがプロバイダーに拒否されたことを示す。
// 再認可が必要であり、自動リトライは行わない。
var ErrTokenRejected = errors.New("リフレッシュトークンが拒否されました")

// isGoneError はgoogleapi.Errorの410 Goneを判定する。
// イベント一覧APIはsyncToken失効時に410を返す。
func isGoneError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusGone
	}
	return false
}
