package mailsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/kizuna/internal/model"
)

// overlapMargin は前回同期範囲との重複幅。
// 境界付近のメッセージの取りこぼしを防ぐ。UPSERTが冪等なので重複取得は無害。
const overlapMargin = 24 * time.Hour

// BuildContactQuery は連絡先の全アドレスとの送受信に一致する検索クエリを組み立てる。
func BuildContactQuery(contact *model.Contact, since time.Time) string {
	terms := make([]string, 0, len(contact.Emails)*2)
	for _, email := range contact.Emails {
		terms = append(terms, "from:"+email, "to:"+email)
	}
	return fmt.Sprintf("(%s) after:%d", strings.Join(terms, " OR "), since.Unix())
}

// SyncLowerBound は同期範囲の下限を決定する。
// キャッシュ済みメッセージがあれば最新時刻から重複幅を引いた時刻、
// 無ければ初回同期範囲（日数）を遡った時刻を返す。
func SyncLowerBound(newest *time.Time, now time.Time, defaultSinceDays int) time.Time {
	if newest != nil {
		return newest.Add(-overlapMargin)
	}
	return now.AddDate(0, 0, -defaultSinceDays)
}

// DetectDirection はFromヘッダーのアドレスからメッセージの方向を判定する。
func DetectDirection(fromAddress, accountEmail string) model.MessageDirection {
	if strings.EqualFold(fromAddress, accountEmail) {
		return model.DirectionOutbound
	}
	return model.DirectionInbound
}
