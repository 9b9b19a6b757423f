package gwork

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GoogleConnectionFactory はアクセストークンからGmail/Calendarサービスを構築する。
type GoogleConnectionFactory struct{}

// NewGoogleConnectionFactory はGoogleConnectionFactoryを生成する。
func NewGoogleConnectionFactory() *GoogleConnectionFactory {
	return &GoogleConnectionFactory{}
}

// NewConnection はアクセストークンからプロバイダー接続を構築する。
func (f *GoogleConnectionFactory) NewConnection(ctx context.Context, accessToken string) (*Connection, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})

	gmailSvc, err := gmail.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	calendarSvc, err := calendar.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &Connection{
		Mail:     NewGmailClient(gmailSvc),
		Calendar: NewGoogleCalendarClient(calendarSvc),
	}, nil
}

var _ ConnectionFactory = (*GoogleConnectionFactory)(nil)
