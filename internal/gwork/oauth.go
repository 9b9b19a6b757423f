package gwork

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
)

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

// OAuthConfig はGoogle OAuthプロバイダーの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GoogleOAuthClient はgolang.org/x/oauth2によるトークンライフサイクル操作の実装。
type GoogleOAuthClient struct {
	config    *oauth2.Config
	revokeURL string // テスト用にオーバーライド可能
}

// NewGoogleOAuthClient はGoogleOAuthClientを生成する。
// スコープにはGmailの読み書きとカレンダーの読み取り、free/busy取得を含む。
func NewGoogleOAuthClient(cfg OAuthConfig) *GoogleOAuthClient {
	return &GoogleOAuthClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailSendScope,
				gmail.GmailModifyScope,
				calendar.CalendarReadonlyScope,
				calendar.CalendarSettingsReadonlyScope,
			},
			Endpoint: google.Endpoint,
		},
		revokeURL: googleRevokeURL,
	}
}

// AuthURL は認可画面のURLを生成する。
// リフレッシュトークンを確実に得るためoffline + consentを要求する。
func (c *GoogleOAuthClient) AuthURL(state string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange は認可コードをトークンペアに交換する。
func (c *GoogleOAuthClient) Exchange(ctx context.Context, code string) (*TokenPair, error) {
	token, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token in exchange response")
	}
	return &TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// プロバイダーがリフレッシュを拒否した場合はErrTokenRejectedを返す。
func (c *GoogleOAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	source := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: %v", ErrTokenRejected, retrieveErr)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	pair := &TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	// リフレッシュレスポンスにrefresh_tokenが含まれない場合は既存値を維持する
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// Revoke はアクセストークンを失効させる。
// 既に無効なトークンの失効もエラー扱いしないのは呼び出し側の責務。
func (c *GoogleOAuthClient) Revoke(ctx context.Context, accessToken string) error {
	data := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// compile-time interface check
var _ OAuthClient = (*GoogleOAuthClient)(nil)
