package gwork

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"
)

// GmailClient はGmail APIによるMailService実装。
type GmailClient struct {
	svc *gmail.Service
}

// NewGmailClient はGmailClientを生成する。
func NewGmailClient(svc *gmail.Service) *GmailClient {
	return &GmailClient{svc: svc}
}

// Profile はアカウント自身のメールアドレスを返す。
func (c *GmailClient) Profile(ctx context.Context) (string, error) {
	profile, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get gmail profile: %w", err)
	}
	return profile.EmailAddress, nil
}

// ListMessageIDs は検索クエリに一致するメッセージIDをページ単位で返す。
func (c *GmailClient) ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int64) (*MessagePage, error) {
	call := c.svc.Users.Messages.List("me").Q(query).MaxResults(pageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list gmail messages: %w", err)
	}

	page := &MessagePage{
		IDs:           make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// MessageMetadata は指定メッセージのヘッダーメタデータを取得する。
func (c *GmailClient) MessageMetadata(ctx context.Context, id string) (*MessageMeta, error) {
	msg, err := c.svc.Users.Messages.Get("me", id).
		Format("metadata").
		MetadataHeaders("From", "To", "Subject").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get gmail message %s: %w", id, err)
	}

	meta := &MessageMeta{
		ExternalID:   msg.Id,
		ThreadID:     msg.ThreadId,
		Snippet:      msg.Snippet,
		LabelIDs:     msg.LabelIds,
		InternalDate: time.UnixMilli(msg.InternalDate).UTC(),
	}
	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			meta.IsUnread = true
		case "TRASH":
			meta.IsTrashed = true
		}
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				meta.From = h.Value
			case "To":
				meta.To = splitAddressList(h.Value)
			case "Subject":
				meta.Subject = h.Value
			}
		}
	}
	return meta, nil
}

// Send は構成済みメッセージを送信し、発行された外部IDを返す。
func (c *GmailClient) Send(ctx context.Context, out *OutgoingMessage) (*SendResult, error) {
	msg := &gmail.Message{Raw: buildRawMessage(out)}
	if out.ThreadID != "" {
		msg.ThreadId = out.ThreadID
	}
	sent, err := c.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to send gmail message: %w", err)
	}
	return &SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// ThreadMessages は指定スレッドの全メッセージの最小投影を返す。
func (c *GmailClient) ThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	thread, err := c.svc.Users.Threads.Get("me", threadID).
		Format("metadata").
		MetadataHeaders("From").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get gmail thread %s: %w", threadID, err)
	}

	messages := make([]ThreadMessage, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		tm := ThreadMessage{InternalDate: time.UnixMilli(m.InternalDate).UTC()}
		if m.Payload != nil {
			for _, h := range m.Payload.Headers {
				if h.Name == "From" {
					tm.From = h.Value
					break
				}
			}
		}
		messages = append(messages, tm)
	}
	return messages, nil
}

// Modify はメッセージのラベルを追加・削除する。
func (c *GmailClient) Modify(ctx context.Context, id string, addLabels, removeLabels []string) error {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    addLabels,
		RemoveLabelIds: removeLabels,
	}
	if _, err := c.svc.Users.Messages.Modify("me", id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to modify gmail message %s: %w", id, err)
	}
	return nil
}

// Trash はメッセージをゴミ箱へ移動する。
func (c *GmailClient) Trash(ctx context.Context, id string) error {
	if _, err := c.svc.Users.Messages.Trash("me", id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to trash gmail message %s: %w", id, err)
	}
	return nil
}

// Untrash はメッセージをゴミ箱から復元する。
func (c *GmailClient) Untrash(ctx context.Context, id string) error {
	if _, err := c.svc.Users.Messages.Untrash("me", id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to untrash gmail message %s: %w", id, err)
	}
	return nil
}

// splitAddressList はToヘッダーのアドレスリストを個別アドレスに分解する。
// パースに失敗した場合はカンマ区切りで素朴に分割する。
func splitAddressList(value string) []string {
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// ExtractAddress はFromヘッダーの表示名付き表記から素のアドレスを取り出す。
func ExtractAddress(header string) string {
	addr, err := mail.ParseAddress(header)
	if err != nil {
		return strings.TrimSpace(header)
	}
	return addr.Address
}

var _ MailService = (*GmailClient)(nil)
