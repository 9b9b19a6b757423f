package repository

import (
	"github.com/google/uuid"

	"github.com/hitoshi/kizuna/internal/model"
)

// ensureID は空のIDに新しいUUIDを採番する。採番済みのIDはそのまま返す。
// id列はデフォルト値を持たないため、挿入前に必ず通すこと。
func ensureID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// stampFollowUpMessage はステップに採番し、親シーケンスへ紐付ける。
func stampFollowUpMessage(sequenceID string, m *model.FollowUpMessage) {
	m.ID = ensureID(m.ID)
	m.SequenceID = sequenceID
}
