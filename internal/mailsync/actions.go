package mailsync

import (
	"context"
	"log/slog"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/model"
)

// ListMessages はキャッシュ済みメッセージ一覧を返す。
// contactIDが空の場合はユーザーの全メッセージ、指定された場合はその連絡先の
// メッセージのみを返す。
func (e *Engine) ListMessages(ctx context.Context, userID, contactID string, limit int) ([]*model.CachedMessage, error) {
	if contactID == "" {
		return e.msgRepo.ListByUser(ctx, userID, limit)
	}

	contact, err := e.contactRepo.FindByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil || contact.UserID != userID {
		return nil, model.NewContactNotFoundError(contactID)
	}
	return e.msgRepo.ListByContact(ctx, userID, contactID, limit)
}

// MarkRead はメッセージの既読状態をプロバイダーとキャッシュの両方に反映する。
func (e *Engine) MarkRead(ctx context.Context, userID, externalID string, read bool) error {
	conn, _, err := e.findMessageConnection(ctx, userID, externalID)
	if err != nil {
		return err
	}

	if read {
		err = conn.Mail.Modify(ctx, externalID, nil, []string{"UNREAD"})
	} else {
		err = conn.Mail.Modify(ctx, externalID, []string{"UNREAD"}, nil)
	}
	if err != nil {
		return model.NewProviderError(err.Error())
	}

	return e.msgRepo.UpdateFlags(ctx, userID, externalID, &read, nil, nil)
}

// SetTrashed はメッセージのゴミ箱状態をプロバイダーとキャッシュの両方に反映する。
func (e *Engine) SetTrashed(ctx context.Context, userID, externalID string, trashed bool) error {
	conn, _, err := e.findMessageConnection(ctx, userID, externalID)
	if err != nil {
		return err
	}

	if trashed {
		err = conn.Mail.Trash(ctx, externalID)
	} else {
		err = conn.Mail.Untrash(ctx, externalID)
	}
	if err != nil {
		return model.NewProviderError(err.Error())
	}

	return e.msgRepo.UpdateFlags(ctx, userID, externalID, nil, &trashed, nil)
}

// SetHidden はメッセージの非表示フラグを更新する。
// 非表示はローカルのUI状態であり、プロバイダーへは反映しない。
func (e *Engine) SetHidden(ctx context.Context, userID, externalID string, hidden bool) error {
	msg, err := e.msgRepo.FindByUserAndExternalID(ctx, userID, externalID)
	if err != nil {
		return err
	}
	if msg == nil {
		return model.NewMessageNotFoundError(externalID)
	}

	e.logger.Info("メッセージの表示状態を更新します",
		slog.String("user_id", userID),
		slog.String("external_id", externalID),
		slog.Bool("hidden", hidden),
	)
	return e.msgRepo.UpdateFlags(ctx, userID, externalID, nil, nil, &hidden)
}

// findMessageConnection はメッセージの存在を確認し、ライブ接続を返す。
func (e *Engine) findMessageConnection(ctx context.Context, userID, externalID string) (*gwork.Connection, *model.CachedMessage, error) {
	msg, err := e.msgRepo.FindByUserAndExternalID(ctx, userID, externalID)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		return nil, nil, model.NewMessageNotFoundError(externalID)
	}

	conn, _, err := e.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return conn, msg, nil
}
