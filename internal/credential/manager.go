// Package credential は委任資格情報のライフサイクル管理を提供する。
// OAuth接続・トークンリフレッシュ・接続解除を担い、上位サービスには
// 常に有効なアクセストークンで構築済みのプロバイダー接続を渡す。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/model"
	"github.com/hitoshi/kizuna/internal/repository"
)

// refreshMargin は有効期限のこの時間前からリフレッシュを行う。
// 期限ぎりぎりのトークンで下流のAPI呼び出しが失敗するのを避ける。
const refreshMargin = 5 * time.Minute

// Manager は委任資格情報のライフサイクルを管理する。
type Manager struct {
	credRepo repository.CredentialRepository
	msgRepo  repository.MessageRepository
	oauth    gwork.OAuthClient
	factory  gwork.ConnectionFactory
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(
	credRepo repository.CredentialRepository,
	msgRepo repository.MessageRepository,
	oauth gwork.OAuthClient,
	factory gwork.ConnectionFactory,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		credRepo: credRepo,
		msgRepo:  msgRepo,
		oauth:    oauth,
		factory:  factory,
		logger:   logger,
		now:      time.Now,
	}
}

// AuthURL は認可画面のURLを生成する。
func (m *Manager) AuthURL(state string) string {
	return m.oauth.AuthURL(state)
}

// StoreTokens は認可コードをトークンに交換し、アカウント情報とともに永続化する。
// 再接続時は同一ユーザーの既存行を上書きし、重複行は生まれない。
func (m *Manager) StoreTokens(ctx context.Context, userID, authCode string) (*model.Credential, error) {
	pair, err := m.oauth.Exchange(ctx, authCode)
	if err != nil {
		m.logger.Error("認可コードの交換に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("認可コードの交換に失敗しました: %w", err)
	}

	conn, err := m.factory.NewConnection(ctx, pair.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("プロバイダー接続の構築に失敗しました: %w", err)
	}
	accountEmail, err := conn.Mail.Profile(ctx)
	if err != nil {
		return nil, fmt.Errorf("アカウント情報の取得に失敗しました: %w", err)
	}

	cred := &model.Credential{
		UserID:       userID,
		AccountEmail: accountEmail,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenExpiry:  pair.Expiry,
		// 認可URLは常にカレンダースコープを要求する
		CalendarScopeGranted: true,
	}
	if err := m.credRepo.Upsert(ctx, cred); err != nil {
		return nil, err
	}

	m.logger.Info("アカウントを接続しました",
		slog.String("user_id", userID),
		slog.String("account_email", accountEmail),
	)
	return cred, nil
}

// Status は接続状態の表示用にCredentialを取得する。
// リフレッシュは行わない。未接続の場合はnilを返す。
func (m *Manager) Status(ctx context.Context, userID string) (*model.Credential, error) {
	return m.credRepo.FindByUserID(ctx, userID)
}

// LiveConnection は有効なアクセストークンで構築済みのプロバイダー接続を返す。
// 有効期限が近い場合はリフレッシュし、新トークンを即時永続化してから返す。
func (m *Manager) LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error) {
	cred, err := m.credRepo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if cred == nil {
		return nil, nil, model.NewNotConnectedError()
	}

	if m.now().After(cred.TokenExpiry.Add(-refreshMargin)) {
		pair, err := m.oauth.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			if errors.Is(err, gwork.ErrTokenRejected) {
				m.logger.Warn("リフレッシュトークンが拒否されました。再認可が必要です",
					slog.String("user_id", userID),
				)
				return nil, nil, model.NewRefreshFailedError()
			}
			return nil, nil, fmt.Errorf("トークンのリフレッシュに失敗しました: %w", err)
		}

		cred.AccessToken = pair.AccessToken
		cred.TokenExpiry = pair.Expiry
		if err := m.credRepo.UpdateTokens(ctx, userID, pair.AccessToken, pair.Expiry); err != nil {
			return nil, nil, err
		}
		m.logger.Info("アクセストークンをリフレッシュしました",
			slog.String("user_id", userID),
			slog.Time("expiry", pair.Expiry),
		)
	}

	conn, err := m.factory.NewConnection(ctx, cred.AccessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("プロバイダー接続の構築に失敗しました: %w", err)
	}
	return conn, cred, nil
}

// Revoke は接続を解除し、資格情報とメッセージキャッシュを削除する。
// プロバイダー側の失効は試行するが、失敗してもローカル削除は続行する。
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	cred, err := m.credRepo.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return model.NewNotConnectedError()
	}

	if err := m.oauth.Revoke(ctx, cred.AccessToken); err != nil {
		m.logger.Warn("プロバイダー側のトークン失効に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	if err := m.msgRepo.DeleteByUserID(ctx, userID); err != nil {
		return err
	}
	if err := m.credRepo.DeleteByUserID(ctx, userID); err != nil {
		return err
	}

	m.logger.Info("アカウントの接続を解除しました", slog.String("user_id", userID))
	return nil
}

// DisconnectCalendar はカレンダーのみを切断する。
// メール接続と資格情報本体は維持したまま、カレンダー関連状態をクリアする。
func (m *Manager) DisconnectCalendar(ctx context.Context, userID string) error {
	cred, err := m.credRepo.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return model.NewNotConnectedError()
	}

	if err := m.credRepo.ClearCalendarState(ctx, userID); err != nil {
		return err
	}
	m.logger.Info("カレンダーを切断しました", slog.String("user_id", userID))
	return nil
}

// SaveProfile は名前付き空き時間プロファイルを検証して保存する。
func (m *Manager) SaveProfile(ctx context.Context, userID, name string, profile model.AvailabilityProfile) error {
	if err := ValidateProfile(name, profile); err != nil {
		return err
	}

	cred, err := m.credRepo.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return model.NewNotConnectedError()
	}

	if cred.Profiles == nil {
		cred.Profiles = make(map[string]model.AvailabilityProfile)
	}
	cred.Profiles[name] = profile
	return m.credRepo.UpdateProfiles(ctx, userID, cred.Profiles)
}

// DeleteProfile は名前付き空き時間プロファイルを削除する。
// 存在しない名前の削除は冪等に成功する。
func (m *Manager) DeleteProfile(ctx context.Context, userID, name string) error {
	cred, err := m.credRepo.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return model.NewNotConnectedError()
	}
	if _, ok := cred.Profiles[name]; !ok {
		return nil
	}

	delete(cred.Profiles, name)
	return m.credRepo.UpdateProfiles(ctx, userID, cred.Profiles)
}
