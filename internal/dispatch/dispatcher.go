// Package dispatch はメッセージの即時送信・予約送信処理を提供する。
// 送信成功したメッセージはキャッシュへ先行反映し、次回のメール同期を待たずに
// タイムラインに現れるようにする。
package dispatch

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/model"
	"github.com/hitoshi/kizuna/internal/repository"
)

// snippetMaxLen はキャッシュ先行反映時のスニペット最大長。
const snippetMaxLen = 200

// ConnectionProvider は有効なプロバイダー接続を供給するインターフェース。
type ConnectionProvider interface {
	LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error)
}

// Dispatcher はメッセージ送信サービス。
type Dispatcher struct {
	connections   ConnectionProvider
	scheduledRepo repository.ScheduledMessageRepository
	followUpRepo  repository.FollowUpRepository
	msgRepo       repository.MessageRepository
	sanitizer     *bluemonday.Policy
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	now           func() time.Time
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(
	connections ConnectionProvider,
	scheduledRepo repository.ScheduledMessageRepository,
	followUpRepo repository.FollowUpRepository,
	msgRepo repository.MessageRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		connections:   connections,
		scheduledRepo: scheduledRepo,
		followUpRepo:  followUpRepo,
		msgRepo:       msgRepo,
		sanitizer:     bluemonday.StrictPolicy(),
		metrics:       collector,
		logger:        logger,
		now:           time.Now,
	}
}

// SendRequest は即時送信の入力を表す。
type SendRequest struct {
	ContactID  *string
	To         string
	Cc         []string
	Bcc        []string
	Subject    string
	Body       string // HTML本文
	ThreadID   string // スレッド返信時の外部スレッドID
	InReplyTo  string
	References string
}

// SendNow はメッセージを即時送信し、キャッシュへ先行反映する。
func (d *Dispatcher) SendNow(ctx context.Context, userID string, req *SendRequest) (*gwork.SendResult, error) {
	conn, cred, err := d.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	return d.send(ctx, conn, cred, req)
}

// send は構築済み接続でメッセージを送信する。予約送信処理からも利用する。
func (d *Dispatcher) send(ctx context.Context, conn *gwork.Connection, cred *model.Credential, req *SendRequest) (*gwork.SendResult, error) {
	out := &gwork.OutgoingMessage{
		From:       cred.AccountEmail,
		To:         req.To,
		Cc:         req.Cc,
		Bcc:        req.Bcc,
		Subject:    req.Subject,
		HTMLBody:   req.Body,
		ThreadID:   req.ThreadID,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	}

	start := time.Now()
	result, err := conn.Mail.Send(ctx, out)
	d.metrics.RecordProviderLatency("gmail.send", time.Since(start))
	if err != nil {
		d.metrics.RecordSendFailure()
		return nil, fmt.Errorf("メッセージ送信に失敗しました: %w", err)
	}
	d.metrics.RecordSendSuccess()

	// キャッシュ先行反映。失敗しても送信自体は成功として扱う。
	cached := &model.CachedMessage{
		UserID:       cred.UserID,
		ExternalID:   result.MessageID,
		ThreadID:     result.ThreadID,
		Subject:      req.Subject,
		Snippet:      d.buildSnippet(req.Body),
		FromAddress:  cred.AccountEmail,
		ToAddresses:  append([]string{req.To}, req.Cc...),
		InternalDate: d.now(),
		IsRead:       true,
		Direction:    model.DirectionOutbound,
		ContactID:    req.ContactID,
	}
	if err := d.msgRepo.Upsert(ctx, cached); err != nil {
		d.logger.Warn("送信済みメッセージのキャッシュ反映に失敗しました",
			slog.String("user_id", cred.UserID),
			slog.String("external_id", result.MessageID),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("メッセージを送信しました",
		slog.String("user_id", cred.UserID),
		slog.String("external_id", result.MessageID),
		slog.String("thread_id", result.ThreadID),
	)
	return result, nil
}

// CreateScheduled は予約送信メッセージを作成する。
func (d *Dispatcher) CreateScheduled(ctx context.Context, userID string, msg *model.ScheduledMessage) (*model.ScheduledMessage, error) {
	if msg.SendAt.Before(d.now()) {
		return nil, model.NewInvalidTimeRangeError("送信時刻が過去です")
	}

	msg.ID = uuid.New().String()
	msg.UserID = userID
	msg.Status = model.ScheduledStatusPending
	if err := d.scheduledRepo.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateScheduled は送信待ちメッセージの宛先・件名・本文・送信時刻を更新する。
func (d *Dispatcher) UpdateScheduled(ctx context.Context, userID string, msg *model.ScheduledMessage) (*model.ScheduledMessage, error) {
	existing, err := d.findOwned(ctx, userID, msg.ID)
	if err != nil {
		return nil, err
	}
	if existing.Status != model.ScheduledStatusPending {
		return nil, model.NewScheduledNotPendingError()
	}

	existing.ToAddress = msg.ToAddress
	existing.CcAddresses = msg.CcAddresses
	existing.BccAddresses = msg.BccAddresses
	existing.Subject = msg.Subject
	existing.Body = msg.Body
	existing.SendAt = msg.SendAt
	if err := d.scheduledRepo.Update(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// CancelScheduled は予約送信メッセージを取り消す。
// アンカーされたフォローアップシーケンスがあれば連動して取り消す。
func (d *Dispatcher) CancelScheduled(ctx context.Context, userID, id string) error {
	existing, err := d.findOwned(ctx, userID, id)
	if err != nil {
		return err
	}
	if existing.Status != model.ScheduledStatusPending {
		return model.NewScheduledNotPendingError()
	}

	if err := d.scheduledRepo.MarkCancelled(ctx, id); err != nil {
		return err
	}

	seq, err := d.followUpRepo.FindSequenceByScheduledMessageID(ctx, id)
	if err != nil {
		return err
	}
	if seq != nil && seq.Status == model.SequenceStatusActive {
		if _, err := d.followUpRepo.CancelPendingMessages(ctx, seq.ID); err != nil {
			return err
		}
		if err := d.followUpRepo.UpdateSequenceStatus(ctx, seq.ID, model.SequenceStatusCancelledUser); err != nil {
			return err
		}
		d.metrics.RecordFollowUpCancelled("user")
		d.logger.Info("予約送信の取り消しに連動してシーケンスを取り消しました",
			slog.String("user_id", userID),
			slog.String("sequence_id", seq.ID),
		)
	}
	return nil
}

// ListScheduled はユーザーの予約送信メッセージ一覧を返す。
func (d *Dispatcher) ListScheduled(ctx context.Context, userID string) ([]*model.ScheduledMessage, error) {
	return d.scheduledRepo.ListByUser(ctx, userID)
}

// ProcessResult は予約送信処理1パスの結果を表す。
type ProcessResult struct {
	Sent   int `json:"sent"`
	Errors int `json:"errors"`
}

// ProcessDueScheduled は期限を迎えた予約送信メッセージを送信する。
// メッセージ単位の失敗は計数して続行し、失敗したメッセージはpendingのまま残す。
func (d *Dispatcher) ProcessDueScheduled(ctx context.Context, userID string) (*ProcessResult, error) {
	conn, cred, err := d.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	due, err := d.scheduledRepo.ListDue(ctx, userID, d.now())
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{}
	for _, msg := range due {
		if err := d.dispatchScheduled(ctx, conn, cred, msg); err != nil {
			result.Errors++
			d.logger.Error("予約送信メッセージの送信に失敗しました",
				slog.String("user_id", userID),
				slog.String("scheduled_id", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Sent++
	}
	return result, nil
}

// dispatchScheduled は1件の予約送信メッセージを送信し、状態遷移とID伝播を行う。
func (d *Dispatcher) dispatchScheduled(ctx context.Context, conn *gwork.Connection, cred *model.Credential, msg *model.ScheduledMessage) error {
	sent, err := d.send(ctx, conn, cred, &SendRequest{
		ContactID:  msg.ContactID,
		To:         msg.ToAddress,
		Cc:         msg.CcAddresses,
		Bcc:        msg.BccAddresses,
		Subject:    msg.Subject,
		Body:       msg.Body,
		ThreadID:   msg.ThreadID,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
	})
	if err != nil {
		return err
	}

	sentAt := d.now()
	if err := d.scheduledRepo.MarkSent(ctx, msg.ID, sent.MessageID, sent.ThreadID, sentAt); err != nil {
		return err
	}

	// アンカーされたシーケンスへ実送信のIDと時刻を伝播する
	seq, err := d.followUpRepo.FindSequenceByScheduledMessageID(ctx, msg.ID)
	if err != nil {
		return err
	}
	if seq != nil && seq.Status == model.SequenceStatusActive {
		pendingSendAts := make(map[string]time.Time)
		for _, step := range seq.PendingMessages() {
			pendingSendAts[step.ID] = model.FollowUpSendAt(sentAt, step.DelayDays)
		}
		if err := d.followUpRepo.UpdateSequenceOrigin(ctx, seq.ID, sent.MessageID, sent.ThreadID, sentAt, pendingSendAts); err != nil {
			return err
		}
		d.logger.Info("シーケンスの基準点を実送信時刻へ更新しました",
			slog.String("sequence_id", seq.ID),
			slog.String("origin_message_id", sent.MessageID),
		)
	}
	return nil
}

// findOwned は指定ユーザー所有の予約送信メッセージを取得する。
func (d *Dispatcher) findOwned(ctx context.Context, userID, id string) (*model.ScheduledMessage, error) {
	msg, err := d.scheduledRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.UserID != userID {
		return nil, model.NewScheduledNotFoundError(id)
	}
	return msg, nil
}

// buildSnippet はHTML本文からプレーンテキストのスニペットを生成する。
func (d *Dispatcher) buildSnippet(body string) string {
	text := html.UnescapeString(d.sanitizer.Sanitize(body))
	runes := []rune(text)
	if len(runes) > snippetMaxLen {
		return string(runes[:snippetMaxLen])
	}
	return text
}
