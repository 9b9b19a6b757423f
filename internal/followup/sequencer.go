// Package followup はフォローアップシーケンスの管理と自動ディスパッチを提供する。
// 元送信のスレッドに返信が検出されるとシーケンスを自動取り消しし、
// 返信が無ければ計画されたステップを期限順に送信する。
package followup

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kizuna/internal/dispatch"
	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/model"
	"github.com/hitoshi/kizuna/internal/repository"
)

// ConnectionProvider は有効なプロバイダー接続を供給するインターフェース。
type ConnectionProvider interface {
	LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error)
}

// Sender はフォローアップメッセージの送信インターフェース。
// Dispatcherが実装する。
type Sender interface {
	SendNow(ctx context.Context, userID string, req *dispatch.SendRequest) (*gwork.SendResult, error)
}

// Sequencer はフォローアップシーケンスの管理サービス。
type Sequencer struct {
	connections   ConnectionProvider
	followUpRepo  repository.FollowUpRepository
	msgRepo       repository.MessageRepository
	scheduledRepo repository.ScheduledMessageRepository
	sender        Sender
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	now           func() time.Time
}

// NewSequencer はSequencerの新しいインスタンスを生成する。
func NewSequencer(
	connections ConnectionProvider,
	followUpRepo repository.FollowUpRepository,
	msgRepo repository.MessageRepository,
	scheduledRepo repository.ScheduledMessageRepository,
	sender Sender,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Sequencer {
	return &Sequencer{
		connections:   connections,
		followUpRepo:  followUpRepo,
		msgRepo:       msgRepo,
		scheduledRepo: scheduledRepo,
		sender:        sender,
		metrics:       collector,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateInput はシーケンス作成の入力を表す。
// 送信済みメッセージに紐付ける場合はOriginMessageIDとAnchorSentAtを指定し、
// 予約送信に紐付ける場合はScheduledMessageIDを指定する。
type CreateInput struct {
	ContactID          *string
	ScheduledMessageID *string
	OriginMessageID    string
	ThreadID           string
	Recipient          string
	OriginalSubject    string
	AnchorSentAt       time.Time
	Steps              []StepInput
}

// Create はフォローアップシーケンスを作成する。
// 予約送信に紐付く場合、基準点は暫定の予定送信時刻であり、
// 実送信時にDispatcherが実時刻へ更新する。
func (s *Sequencer) Create(ctx context.Context, userID string, input *CreateInput) (*model.FollowUpSequence, error) {
	if input.Recipient == "" {
		return nil, model.NewValidationError("宛先が指定されていません")
	}
	if err := ValidateSteps(input.Steps); err != nil {
		return nil, err
	}

	anchor := input.AnchorSentAt
	if input.ScheduledMessageID != nil {
		scheduled, err := s.scheduledRepo.FindByID(ctx, *input.ScheduledMessageID)
		if err != nil {
			return nil, err
		}
		if scheduled == nil || scheduled.UserID != userID {
			return nil, model.NewScheduledNotFoundError(*input.ScheduledMessageID)
		}
		anchor = scheduled.SendAt
	}

	seq := &model.FollowUpSequence{
		ID:                 uuid.New().String(),
		UserID:             userID,
		ContactID:          input.ContactID,
		ScheduledMessageID: input.ScheduledMessageID,
		OriginMessageID:    input.OriginMessageID,
		ThreadID:           input.ThreadID,
		Recipient:          input.Recipient,
		OriginalSubject:    input.OriginalSubject,
		AnchorSentAt:       anchor,
		Status:             model.SequenceStatusActive,
		Messages:           BuildMessages(anchor, input.Steps, 1),
	}
	if err := s.followUpRepo.CreateSequence(ctx, seq); err != nil {
		return nil, err
	}

	s.logger.Info("フォローアップシーケンスを作成しました",
		slog.String("user_id", userID),
		slog.String("sequence_id", seq.ID),
		slog.Int("steps", len(seq.Messages)),
	)
	return seq, nil
}

// Get は指定ユーザー所有のシーケンスをステップ込みで取得する。
func (s *Sequencer) Get(ctx context.Context, userID, id string) (*model.FollowUpSequence, error) {
	seq, err := s.followUpRepo.FindSequenceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq == nil || seq.UserID != userID {
		return nil, model.NewSequenceNotFoundError(id)
	}
	return seq, nil
}

// List はユーザーの全シーケンスを返す。
func (s *Sequencer) List(ctx context.Context, userID string) ([]*model.FollowUpSequence, error) {
	return s.followUpRepo.ListByUser(ctx, userID)
}

// ReplacePending はアクティブなシーケンスの未送信ステップを置き換える。
// 送信済みステップには触れず、連番は送信済みの続きから密に振り直す。
func (s *Sequencer) ReplacePending(ctx context.Context, userID, id string, steps []StepInput) (*model.FollowUpSequence, error) {
	seq, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if seq.Status != model.SequenceStatusActive {
		return nil, model.NewSequenceNotActiveError()
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	messages := BuildMessages(seq.AnchorSentAt, steps, NextSeqNo(seq.Messages))
	if err := s.followUpRepo.ReplacePendingMessages(ctx, seq.ID, messages); err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, id)
}

// CancelByUser はアクティブなシーケンスをユーザー操作で取り消す。
func (s *Sequencer) CancelByUser(ctx context.Context, userID, id string) error {
	seq, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if seq.Status != model.SequenceStatusActive {
		return model.NewSequenceNotActiveError()
	}

	if _, err := s.followUpRepo.CancelPendingMessages(ctx, seq.ID); err != nil {
		return err
	}
	if err := s.followUpRepo.UpdateSequenceStatus(ctx, seq.ID, model.SequenceStatusCancelledUser); err != nil {
		return err
	}
	s.metrics.RecordFollowUpCancelled("user")
	s.logger.Info("シーケンスを取り消しました",
		slog.String("user_id", userID),
		slog.String("sequence_id", seq.ID),
	)
	return nil
}

// ProcessResult はフォローアップ処理1パスの結果を表す。
type ProcessResult struct {
	Sent      int `json:"sent"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

// ProcessDue はアクティブな全シーケンスを処理する。
// 返信が検出されたシーケンスは自動取り消しし、期限を迎えたステップは
// 1シーケンスにつき1パスあたり1通だけ送信する。
func (s *Sequencer) ProcessDue(ctx context.Context, userID string) (*ProcessResult, error) {
	conn, cred, err := s.connections.LiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	sequences, err := s.followUpRepo.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{}
	for _, seq := range sequences {
		outcome, err := s.processSequence(ctx, conn, cred, seq)
		if err != nil {
			result.Errors++
			s.logger.Error("シーケンスの処理に失敗しました",
				slog.String("user_id", userID),
				slog.String("sequence_id", seq.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch outcome {
		case outcomeSent:
			result.Sent++
		case outcomeCancelled:
			result.Cancelled++
		}
	}
	return result, nil
}

type sequenceOutcome int

const (
	outcomeNothing sequenceOutcome = iota
	outcomeSent
	outcomeCancelled
)

// processSequence は1シーケンス分の返信検出とディスパッチを行う。
func (s *Sequencer) processSequence(ctx context.Context, conn *gwork.Connection, cred *model.Credential, seq *model.FollowUpSequence) (sequenceOutcome, error) {
	// 元送信がまだ行われていないシーケンスは対象外
	if seq.OriginMessageID == "" {
		return outcomeNothing, nil
	}

	due := NextDue(seq.Messages, s.now())
	if due == nil {
		return outcomeNothing, nil
	}

	replied, err := s.hasReply(ctx, conn, cred, seq)
	if err != nil {
		return outcomeNothing, err
	}
	if replied {
		if _, err := s.followUpRepo.CancelPendingMessages(ctx, seq.ID); err != nil {
			return outcomeNothing, err
		}
		if err := s.followUpRepo.UpdateSequenceStatus(ctx, seq.ID, model.SequenceStatusCancelledReply); err != nil {
			return outcomeNothing, err
		}
		s.metrics.RecordFollowUpCancelled("reply")
		s.logger.Info("返信を検出したためシーケンスを取り消しました",
			slog.String("sequence_id", seq.ID),
			slog.String("thread_id", seq.ThreadID),
		)
		return outcomeCancelled, nil
	}

	sent, err := s.sender.SendNow(ctx, cred.UserID, &dispatch.SendRequest{
		ContactID: seq.ContactID,
		To:        seq.Recipient,
		Subject:   FollowUpSubject(due.Subject, seq.OriginalSubject),
		Body:      due.Body,
		ThreadID:  seq.ThreadID,
	})
	if err != nil {
		return outcomeNothing, err
	}

	sentAt := s.now()
	if err := s.followUpRepo.MarkMessageSent(ctx, due.ID, sent.MessageID, sentAt); err != nil {
		return outcomeNothing, err
	}
	s.metrics.RecordFollowUpDispatched()

	// 最後の未送信ステップを送り終えたらシーケンスを完了させる
	remaining := 0
	for _, m := range seq.Messages {
		if m.Status == model.FollowUpStatusPending && m.ID != due.ID {
			remaining++
		}
	}
	if remaining == 0 {
		if err := s.followUpRepo.UpdateSequenceStatus(ctx, seq.ID, model.SequenceStatusCompleted); err != nil {
			return outcomeNothing, err
		}
	}

	s.logger.Info("フォローアップメッセージを送信しました",
		slog.String("sequence_id", seq.ID),
		slog.Int("seq_no", due.SeqNo),
		slog.String("external_id", sent.MessageID),
	)
	return outcomeSent, nil
}

// hasReply は元送信のスレッドに対する返信の有無を判定する。
// まずキャッシュを参照し、無ければプロバイダーのスレッド取得で確認する。
func (s *Sequencer) hasReply(ctx context.Context, conn *gwork.Connection, cred *model.Credential, seq *model.FollowUpSequence) (bool, error) {
	cached, err := s.msgRepo.HasInboundInThreadSince(ctx, cred.UserID, seq.ThreadID, seq.AnchorSentAt)
	if err != nil {
		return false, err
	}
	if cached {
		return true, nil
	}

	start := time.Now()
	messages, err := conn.Mail.ThreadMessages(ctx, seq.ThreadID)
	s.metrics.RecordProviderLatency("gmail.thread", time.Since(start))
	if err != nil {
		return false, err
	}
	return HasLiveReply(messages, cred.AccountEmail, seq.AnchorSentAt), nil
}
