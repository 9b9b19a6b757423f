package followup

import (
	"strings"
	"time"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/model"
)

// StepInput はフォローアップステップ1件の入力を表す。
type StepInput struct {
	DelayDays int    `json:"delay_days"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// ValidateSteps はステップ列の整合性を検証する。
// 日数オフセットは正で狭義単調増加でなければならない。
func ValidateSteps(steps []StepInput) error {
	if len(steps) == 0 {
		return model.NewValidationError("ステップが1つも指定されていません")
	}
	prev := 0
	for _, s := range steps {
		if s.DelayDays <= prev {
			return model.NewValidationError("日数オフセットは正で狭義単調増加である必要があります")
		}
		prev = s.DelayDays
	}
	return nil
}

// BuildMessages は入力ステップから連番・送信時刻を確定したメッセージ列を構築する。
// 連番はstartSeqNoから密に振られる。
func BuildMessages(anchor time.Time, steps []StepInput, startSeqNo int) []model.FollowUpMessage {
	messages := make([]model.FollowUpMessage, 0, len(steps))
	for i, s := range steps {
		messages = append(messages, model.FollowUpMessage{
			SeqNo:     startSeqNo + i,
			DelayDays: s.DelayDays,
			Subject:   s.Subject,
			Body:      s.Body,
			Status:    model.FollowUpStatusPending,
			SendAt:    model.FollowUpSendAt(anchor, s.DelayDays),
		})
	}
	return messages
}

// NextDue は期限を迎えた最小連番の未送信ステップを返す。該当が無ければnil。
// 1パスにつき1シーケンスあたり最大1通のみディスパッチする。
func NextDue(messages []model.FollowUpMessage, now time.Time) *model.FollowUpMessage {
	var due *model.FollowUpMessage
	for i := range messages {
		m := &messages[i]
		if m.Status != model.FollowUpStatusPending || m.SendAt.After(now) {
			continue
		}
		if due == nil || m.SeqNo < due.SeqNo {
			due = m
		}
	}
	return due
}

// NextSeqNo は送信済みステップの次の連番を返す。送信済みが無ければ1。
func NextSeqNo(messages []model.FollowUpMessage) int {
	max := 0
	for _, m := range messages {
		if m.Status == model.FollowUpStatusSent && m.SeqNo > max {
			max = m.SeqNo
		}
	}
	return max + 1
}

// HasLiveReply はスレッド内メッセージから返信の有無を判定する。
// アカウント所有者以外が基準時刻以降に送ったメッセージがあれば返信とみなす。
func HasLiveReply(messages []gwork.ThreadMessage, accountEmail string, anchor time.Time) bool {
	for _, m := range messages {
		sender := gwork.ExtractAddress(m.From)
		if strings.EqualFold(sender, accountEmail) {
			continue
		}
		if !m.InternalDate.Before(anchor) {
			return true
		}
	}
	return false
}

// FollowUpSubject はステップの件名を決定する。
// ステップに件名が無ければ元件名への返信形式にフォールバックする。
func FollowUpSubject(stepSubject, originalSubject string) string {
	if stepSubject != "" {
		return stepSubject
	}
	if strings.HasPrefix(strings.ToLower(originalSubject), "re:") {
		return originalSubject
	}
	return "Re: " + originalSubject
}
