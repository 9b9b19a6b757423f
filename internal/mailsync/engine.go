// Package mailsync は連絡先スコープのメールメッセージ同期エンジンを提供する。
// プロバイダーのメッセージ一覧・メタデータ取得を行い、ローカルキャッシュへ
// 冪等にUPSERTする。本文は保存せず、ヘッダーとスニペットのみ扱う。
package mailsync

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/model"
	"github.com/hitoshi/kizuna/internal/repository"
)

// ConnectionProvider は有効なプロバイダー接続を供給するインターフェース。
type ConnectionProvider interface {
	LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error)
}

// Engine はメール同期エンジン。
type Engine struct {
	connections   ConnectionProvider
	credRepo      repository.CredentialRepository
	contactRepo   repository.ContactRepository
	msgRepo       repository.MessageRepository
	sanitizer     *bluemonday.Policy
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	sinceDays     int
	pageSize      int64
	maxConcurrent int
	now           func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	connections ConnectionProvider,
	credRepo repository.CredentialRepository,
	contactRepo repository.ContactRepository,
	msgRepo repository.MessageRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	sinceDays int,
	pageSize int64,
	maxConcurrent int,
) *Engine {
	return &Engine{
		connections:   connections,
		credRepo:      credRepo,
		contactRepo:   contactRepo,
		msgRepo:       msgRepo,
		sanitizer:     bluemonday.StrictPolicy(),
		metrics:       collector,
		logger:        logger,
		sinceDays:     sinceDays,
		pageSize:      pageSize,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// SyncResult は同期パス1回の結果を表す。
type SyncResult struct {
	ContactsSynced  int `json:"contacts_synced"`
	MessagesSynced  int `json:"messages_synced"`
	ContactFailures int `json:"contact_failures"`
}

// SyncAll はユーザーの全連絡先を同期する。
// 連絡先単位の失敗は記録して続行し、パス全体は中断しない。
// 全連絡先の処理後に同期完了時刻を1回だけ記録する。
func (e *Engine) SyncAll(ctx context.Context, userID string) (*SyncResult, error) {
	conn, cred, err := e.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	contacts, err := e.contactRepo.ListWithEmails(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	for _, contact := range contacts {
		count, err := e.SyncContact(ctx, conn, cred, contact)
		if err != nil {
			result.ContactFailures++
			e.metrics.RecordMailSyncFailure("contact")
			e.logger.Error("連絡先のメール同期に失敗しました",
				slog.String("user_id", userID),
				slog.String("contact_id", contact.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.ContactsSynced++
		result.MessagesSynced += count
	}

	if err := e.credRepo.UpdateMailSyncedAt(ctx, userID, e.now()); err != nil {
		return nil, err
	}

	e.metrics.RecordMailSyncSuccess()
	e.metrics.RecordMessagesUpserted(result.MessagesSynced)
	e.logger.Info("メール同期が完了しました",
		slog.String("user_id", userID),
		slog.Int("contacts_synced", result.ContactsSynced),
		slog.Int("messages_synced", result.MessagesSynced),
		slog.Int("contact_failures", result.ContactFailures),
	)
	return result, nil
}

// SyncOne は単一連絡先の同期を行う。UIの連絡先画面からのトリガーに使用する。
func (e *Engine) SyncOne(ctx context.Context, userID, contactID string) (*SyncResult, error) {
	conn, cred, err := e.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	contact, err := e.contactRepo.FindByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil || contact.UserID != userID {
		return nil, model.NewContactNotFoundError(contactID)
	}

	count, err := e.SyncContact(ctx, conn, cred, contact)
	if err != nil {
		e.metrics.RecordMailSyncFailure("contact")
		return nil, err
	}
	e.metrics.RecordMessagesUpserted(count)
	return &SyncResult{ContactsSynced: 1, MessagesSynced: count}, nil
}

// SyncContact は1連絡先分のメッセージを同期し、UPSERTした件数を返す。
// メッセージ単位の取得失敗は記録して続行する。
func (e *Engine) SyncContact(ctx context.Context, conn *gwork.Connection, cred *model.Credential, contact *model.Contact) (int, error) {
	if len(contact.Emails) == 0 {
		return 0, nil
	}

	newest, err := e.msgRepo.NewestInternalDateByContact(ctx, cred.UserID, contact.ID)
	if err != nil {
		return 0, err
	}
	since := SyncLowerBound(newest, e.now(), e.sinceDays)
	query := BuildContactQuery(contact, since)

	var ids []string
	pageToken := ""
	for {
		page, err := conn.Mail.ListMessageIDs(ctx, query, pageToken, e.pageSize)
		if err != nil {
			return 0, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
		}
		ids = append(ids, page.IDs...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	if len(ids) == 0 {
		return 0, nil
	}

	metas := e.fetchMetadata(ctx, conn, ids)

	count := 0
	for _, meta := range metas {
		msg := e.buildCachedMessage(cred, contact, meta)
		if err := e.msgRepo.Upsert(ctx, msg); err != nil {
			e.logger.Error("メッセージのUPSERTに失敗しました",
				slog.String("user_id", cred.UserID),
				slog.String("external_id", meta.ExternalID),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}
	return count, nil
}

// fetchMetadata はメッセージメタデータをsemaphoreパターンで並列取得する。
// 取得に失敗したメッセージはスキップする。
func (e *Engine) fetchMetadata(ctx context.Context, conn *gwork.Connection, ids []string) []*gwork.MessageMeta {
	sem := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	metas := make([]*gwork.MessageMeta, 0, len(ids))

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(msgID string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			start := time.Now()
			meta, err := conn.Mail.MessageMetadata(ctx, msgID)
			e.metrics.RecordProviderLatency("gmail.get", time.Since(start))
			if err != nil {
				e.logger.Warn("メッセージメタデータの取得に失敗しました",
					slog.String("external_id", msgID),
					slog.String("error", err.Error()),
				)
				return
			}

			mu.Lock()
			metas = append(metas, meta)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return metas
}

// buildCachedMessage はプロバイダーのメタデータをローカル投影に変換する。
func (e *Engine) buildCachedMessage(cred *model.Credential, contact *model.Contact, meta *gwork.MessageMeta) *model.CachedMessage {
	from := gwork.ExtractAddress(meta.From)
	contactID := contact.ID
	return &model.CachedMessage{
		UserID:       cred.UserID,
		ExternalID:   meta.ExternalID,
		ThreadID:     meta.ThreadID,
		Subject:      meta.Subject,
		Snippet:      e.sanitizeSnippet(meta.Snippet),
		FromAddress:  from,
		ToAddresses:  meta.To,
		InternalDate: meta.InternalDate,
		LabelIDs:     meta.LabelIDs,
		IsRead:       !meta.IsUnread,
		IsTrashed:    meta.IsTrashed,
		Direction:    DetectDirection(from, cred.AccountEmail),
		ContactID:    &contactID,
	}
}

// sanitizeSnippet はスニペットからHTMLタグを除去し、エンティティをデコードする。
func (e *Engine) sanitizeSnippet(snippet string) string {
	return html.UnescapeString(e.sanitizer.Sanitize(snippet))
}
