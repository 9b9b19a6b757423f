// Package model はドメインモデルを定義する。
package model

import "time"

// Credential はユーザー1人分のメール・カレンダー委任情報を表す。
// ユーザーにつき最大1件。存在しない場合は「未接続」を意味する。
type Credential struct {
	ID                   string
	UserID               string
	AccountEmail         string
	AccessToken          string
	RefreshToken         string
	TokenExpiry          time.Time
	MailLastSyncedAt     *time.Time
	CalendarLastSyncedAt *time.Time
	CalendarScopeGranted bool
	CalendarSyncCursor   string // 増分同期用の不透明トークン。空文字列は未保持を表す。
	CalendarTimezone     string // IANAタイムゾーン名（例: "Asia/Tokyo"）
	BusyCalendarIDs      []string
	Profiles             map[string]AvailabilityProfile
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsCalendarSynced はカレンダー同期が1度でも完了しているかを返す。
func (c *Credential) IsCalendarSynced() bool {
	return c.CalendarLastSyncedAt != nil
}

// AvailabilityProfile は空き時間計算に適用する名前付きプロファイル。
// 曜日セット、勤務時間帯、スロット長、前後バッファを保持する。
type AvailabilityProfile struct {
	// Weekdays はスロットを生成する曜日の集合（time.Weekdayの整数値）。
	Weekdays []time.Weekday `json:"weekdays"`
	// WindowStart / WindowEnd は "HH:MM" 形式の勤務時間帯（全曜日共通）。
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
	// DayWindows は曜日別の時間帯オーバーライド。キーはtime.Weekdayの整数値の文字列。
	// エントリが無い曜日はWindowStart/WindowEndを使用する。
	DayWindows map[string]DayWindow `json:"day_windows,omitempty"`
	// SlotMinutes は提示する最小スロット長（分）。
	SlotMinutes int `json:"slot_minutes"`
	// BufferBeforeMinutes / BufferAfterMinutes は予定の前後に確保する余白（分）。
	BufferBeforeMinutes int `json:"buffer_before_minutes"`
	BufferAfterMinutes  int `json:"buffer_after_minutes"`
}

// DayWindow は特定曜日の勤務時間帯を表す。
type DayWindow struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
}

// WindowFor は指定曜日に適用する勤務時間帯を返す。
// 曜日別オーバーライドがあればそれを、無ければ共通の時間帯を返す。
func (p *AvailabilityProfile) WindowFor(day time.Weekday) (string, string) {
	if w, ok := p.DayWindows[weekdayKey(day)]; ok {
		return w.Start, w.End
	}
	return p.WindowStart, p.WindowEnd
}

// EnabledOn は指定曜日がプロファイルで有効かを返す。
func (p *AvailabilityProfile) EnabledOn(day time.Weekday) bool {
	for _, d := range p.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

func weekdayKey(d time.Weekday) string {
	return string(rune('0' + int(d)))
}
