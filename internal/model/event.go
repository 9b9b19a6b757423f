// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// CachedCalendarEvent は外部カレンダーイベントのローカル投影を表す。
// (user_id, external_id) が一意であり、UPSERTは冪等に行われる。
type CachedCalendarEvent struct {
	ID               string
	UserID           string
	ExternalID       string
	CalendarID       string
	Title            string // 非公開イベントでは空になる
	Description      string // 非公開イベントでは空になる
	IsPrivate        bool
	StartAt          time.Time
	EndAt            time.Time
	AllDay           bool
	Location         string
	MeetingURL       string // 会議リンク（存在する場合）
	Status           string // confirmed / tentative / cancelled
	Attendees        []string
	RecurringEventID string
	ContactID        *string  // 最初に一致した連絡先（主担当）
	ContactIDs       []string // 一致した全連絡先
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Contact は同期エンジンが必要とする連絡先の最小投影を表す。
// CRUD画面側のフル属性はこのエンジンの関心外。
type Contact struct {
	ID     string
	UserID string
	Name   string
	Emails []string
}

// HasEmail は連絡先が指定アドレスを持つかを大文字小文字を無視して判定する。
func (c *Contact) HasEmail(addr string) bool {
	for _, e := range c.Emails {
		if strings.EqualFold(e, addr) {
			return true
		}
	}
	return false
}
