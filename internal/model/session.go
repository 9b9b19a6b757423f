package model

import "time"

// Session は認証済みユーザーのセッションを表す。
// セッションの発行・失効は上位の認証レイヤーが所有し、
// このエンジンはCookieの解決のための読み取りのみ行う。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// IsExpired はセッションが有効期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
