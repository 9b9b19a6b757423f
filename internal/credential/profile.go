package credential

import (
	"fmt"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// ValidateProfile は空き時間プロファイルの整合性を検証する。
// 不正な場合はINVALID_PROFILEエラーを返す。
func ValidateProfile(name string, p model.AvailabilityProfile) error {
	if name == "" {
		return model.NewInvalidProfileError("プロファイル名が空です")
	}
	if len(p.Weekdays) == 0 {
		return model.NewInvalidProfileError("曜日が1つも指定されていません")
	}
	for _, d := range p.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return model.NewInvalidProfileError(fmt.Sprintf("不正な曜日です: %d", d))
		}
	}
	if p.SlotMinutes <= 0 {
		return model.NewInvalidProfileError("スロット長は1分以上である必要があります")
	}
	if p.BufferBeforeMinutes < 0 || p.BufferAfterMinutes < 0 {
		return model.NewInvalidProfileError("バッファは0分以上である必要があります")
	}

	if err := validateWindow(p.WindowStart, p.WindowEnd); err != nil {
		return err
	}
	for key, w := range p.DayWindows {
		if err := validateWindow(w.Start, w.End); err != nil {
			return model.NewInvalidProfileError(fmt.Sprintf("曜日%sの時間帯が不正です", key))
		}
	}
	return nil
}

// validateWindow は "HH:MM" 形式の時間帯を検証する。
func validateWindow(start, end string) error {
	startMin, err := ParseClock(start)
	if err != nil {
		return model.NewInvalidProfileError(fmt.Sprintf("開始時刻の形式が不正です: %s", start))
	}
	endMin, err := ParseClock(end)
	if err != nil {
		return model.NewInvalidProfileError(fmt.Sprintf("終了時刻の形式が不正です: %s", end))
	}
	if startMin >= endMin {
		return model.NewInvalidProfileError("開始時刻は終了時刻より前である必要があります")
	}
	return nil
}

// ParseClock は "HH:MM" 形式の時刻を0時からの経過分に変換する。
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("時刻のパースに失敗しました: %w", err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
