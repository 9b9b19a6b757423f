// Package model はドメインモデルを定義する。
package model

import "time"

// BusyInterval はユーザーが予定で埋まっている時間範囲を表す。
// カレンダーのfree/busyビューから導出される。
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// AvailabilityWindow は1日分の予約可能スロットを表す。
// オンデマンドで計算され、永続化されない。
type AvailabilityWindow struct {
	// Date は "2006-01-02" 形式の日付文字列。
	Date string `json:"date"`
	// Label はUI表示用のラベル（例: "1月15日（月）"）。
	Label string `json:"label"`
	// Slots は "09:00 - 09:30" 形式のスロット文字列。ユーザーのタイムゾーンで表記する。
	Slots []string `json:"slots"`
}
