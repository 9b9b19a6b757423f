package calsync

import (
	"strings"
	"time"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/model"
)

// MatchAttendees はイベントの参加者アドレスを連絡先に突き合わせる。
// アカウント所有者自身のアドレスは除外し、最初に一致した連絡先を主担当として返す。
func MatchAttendees(attendees []string, accountEmail string, contacts []*model.Contact) (primary *string, all []string) {
	seen := make(map[string]bool)
	for _, addr := range attendees {
		if strings.EqualFold(addr, accountEmail) {
			continue
		}
		for _, c := range contacts {
			if c.HasEmail(addr) && !seen[c.ID] {
				seen[c.ID] = true
				all = append(all, c.ID)
				if primary == nil {
					id := c.ID
					primary = &id
				}
			}
		}
	}
	return primary, all
}

// CooldownRemaining は次に同期可能になるまでの残り時間を返す。
// クールダウンが経過済み、または一度も同期していない場合は0を返す。
func CooldownRemaining(lastSyncedAt *time.Time, now time.Time, cooldown time.Duration) time.Duration {
	if lastSyncedAt == nil {
		return 0
	}
	remaining := cooldown - now.Sub(*lastSyncedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SelectBusyCalendars は書き込み可能なカレンダーをbusy計算対象として選択する。
// 対象が無い場合はプライマリカレンダーにフォールバックする。
func SelectBusyCalendars(calendars []gwork.CalendarInfo) []string {
	var ids []string
	for _, c := range calendars {
		if c.AccessRole == "owner" || c.AccessRole == "writer" {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) > 0 {
		return ids
	}
	for _, c := range calendars {
		if c.Primary {
			return []string{c.ID}
		}
	}
	return []string{"primary"}
}
