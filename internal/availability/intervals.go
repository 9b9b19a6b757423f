package availability

import (
	"sort"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// ExpandBusy は各busy区間の前後にバッファを加えた区間列を返す。
// 前バッファは予定の前の移動・準備時間、後バッファは予定後の余白に相当する。
func ExpandBusy(intervals []model.BusyInterval, before, after time.Duration) []model.BusyInterval {
	expanded := make([]model.BusyInterval, 0, len(intervals))
	for _, iv := range intervals {
		expanded = append(expanded, model.BusyInterval{
			Start: iv.Start.Add(-before),
			End:   iv.End.Add(after),
		})
	}
	return expanded
}

// MergeIntervals は重複・隣接するbusy区間を統合した区間列を返す。
// 端点が一致する区間も1つに統合する。入力は変更しない。
func MergeIntervals(intervals []model.BusyInterval) []model.BusyInterval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]model.BusyInterval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []model.BusyInterval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// SubtractBusy は勤務時間帯からbusy区間を除いた空き区間列を返す。
// busyはマージ済み・開始時刻昇順であることを前提とする。
func SubtractBusy(windowStart, windowEnd time.Time, busy []model.BusyInterval) []model.BusyInterval {
	var free []model.BusyInterval
	cursor := windowStart
	for _, iv := range busy {
		if !iv.End.After(cursor) {
			continue
		}
		if !iv.Start.Before(windowEnd) {
			break
		}
		if iv.Start.After(cursor) {
			free = append(free, model.BusyInterval{Start: cursor, End: iv.Start})
		}
		if iv.End.After(cursor) {
			cursor = iv.End
		}
	}
	if cursor.Before(windowEnd) {
		free = append(free, model.BusyInterval{Start: cursor, End: windowEnd})
	}
	return free
}

// FormatSlots は空き区間を "09:00 - 12:00" 形式のスロットとして返す。
// 1つの空き区間は分割せずそのまま1スロットになる。
// 最小スロット長に満たない空き区間は提示しない。
func FormatSlots(free []model.BusyInterval, minLen time.Duration, loc *time.Location) []string {
	var slots []string
	for _, iv := range free {
		if iv.End.Sub(iv.Start) < minLen {
			continue
		}
		slots = append(slots, iv.Start.In(loc).Format("15:04")+" - "+iv.End.In(loc).Format("15:04"))
	}
	return slots
}

// 曜日の日本語表記
var weekdayLabels = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// DayLabel はUI表示用の日付ラベル（例: "1月15日（月）"）を生成する。
func DayLabel(day time.Time) string {
	return day.Format("1月2日") + "（" + weekdayLabels[day.Weekday()] + "）"
}
