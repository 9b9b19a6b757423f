package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kizuna/internal/gwork"
	"github.com/hitoshi/kizuna/internal/metrics"
	"github.com/hitoshi/kizuna/internal/model"
)

// mockConnections はConnectionProviderのモック実装。
type mockConnections struct {
	conn *gwork.Connection
	cred *model.Credential
	err  error
}

func (m *mockConnections) LiveConnection(ctx context.Context, userID string) (*gwork.Connection, *model.Credential, error) {
	return m.conn, m.cred, m.err
}

// mockMail はMailServiceのモック実装。送信のみ使用する。
type mockMail struct {
	sendFunc func(ctx context.Context, out *gwork.OutgoingMessage) (*gwork.SendResult, error)
}

func (m *mockMail) Profile(ctx context.Context) (string, error) { return "", nil }
func (m *mockMail) ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int64) (*gwork.MessagePage, error) {
	return nil, nil
}
func (m *mockMail) MessageMetadata(ctx context.Context, id string) (*gwork.MessageMeta, error) {
	return nil, nil
}
func (m *mockMail) Send(ctx context.Context, out *gwork.OutgoingMessage) (*gwork.SendResult, error) {
	return m.sendFunc(ctx, out)
}
func (m *mockMail) ThreadMessages(ctx context.Context, threadID string) ([]gwork.ThreadMessage, error) {
	return nil, nil
}
func (m *mockMail) Modify(ctx context.Context, id string, addLabels, removeLabels []string) error {
	return nil
}
func (m *mockMail) Trash(ctx context.Context, id string) error   { return nil }
func (m *mockMail) Untrash(ctx context.Context, id string) error { return nil }

// mockScheduledRepo はScheduledMessageRepositoryのモック実装。
type mockScheduledRepo struct {
	createFunc        func(ctx context.Context, msg *model.ScheduledMessage) error
	findByIDFunc      func(ctx context.Context, id string) (*model.ScheduledMessage, error)
	updateFunc        func(ctx context.Context, msg *model.ScheduledMessage) error
	listDueFunc       func(ctx context.Context, userID string, now time.Time) ([]*model.ScheduledMessage, error)
	markSentFunc      func(ctx context.Context, id, sentMessageID, sentThreadID string, at time.Time) error
	markCancelledFunc func(ctx context.Context, id string) error
}

func (m *mockScheduledRepo) Create(ctx context.Context, msg *model.ScheduledMessage) error {
	return m.createFunc(ctx, msg)
}
func (m *mockScheduledRepo) FindByID(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	return m.findByIDFunc(ctx, id)
}
func (m *mockScheduledRepo) Update(ctx context.Context, msg *model.ScheduledMessage) error {
	return m.updateFunc(ctx, msg)
}
func (m *mockScheduledRepo) ListDue(ctx context.Context, userID string, now time.Time) ([]*model.ScheduledMessage, error) {
	return m.listDueFunc(ctx, userID, now)
}
func (m *mockScheduledRepo) ListByUser(ctx context.Context, userID string) ([]*model.ScheduledMessage, error) {
	return nil, nil
}
func (m *mockScheduledRepo) MarkSent(ctx context.Context, id, sentMessageID, sentThreadID string, at time.Time) error {
	return m.markSentFunc(ctx, id, sentMessageID, sentThreadID, at)
}
func (m *mockScheduledRepo) MarkCancelled(ctx context.Context, id string) error {
	return m.markCancelledFunc(ctx, id)
}

// mockFollowUpRepo はFollowUpRepositoryのモック実装。
type mockFollowUpRepo struct {
	findByScheduledFunc func(ctx context.Context, scheduledMessageID string) (*model.FollowUpSequence, error)
	updateStatusFunc    func(ctx context.Context, id string, status model.SequenceStatus) error
	updateOriginFunc    func(ctx context.Context, id, originMessageID, threadID string, anchorSentAt time.Time, pendingSendAts map[string]time.Time) error
	cancelPendingFunc   func(ctx context.Context, sequenceID string) (int, error)
}

func (m *mockFollowUpRepo) CreateSequence(ctx context.Context, seq *model.FollowUpSequence) error {
	return nil
}
func (m *mockFollowUpRepo) FindSequenceByID(ctx context.Context, id string) (*model.FollowUpSequence, error) {
	return nil, nil
}
func (m *mockFollowUpRepo) FindSequenceByScheduledMessageID(ctx context.Context, scheduledMessageID string) (*model.FollowUpSequence, error) {
	if m.findByScheduledFunc == nil {
		return nil, nil
	}
	return m.findByScheduledFunc(ctx, scheduledMessageID)
}
func (m *mockFollowUpRepo) ListActive(ctx context.Context, userID string) ([]*model.FollowUpSequence, error) {
	return nil, nil
}
func (m *mockFollowUpRepo) ListByUser(ctx context.Context, userID string) ([]*model.FollowUpSequence, error) {
	return nil, nil
}
func (m *mockFollowUpRepo) UpdateSequenceStatus(ctx context.Context, id string, status model.SequenceStatus) error {
	return m.updateStatusFunc(ctx, id, status)
}
func (m *mockFollowUpRepo) UpdateSequenceOrigin(ctx context.Context, id, originMessageID, threadID string, anchorSentAt time.Time, pendingSendAts map[string]time.Time) error {
	return m.updateOriginFunc(ctx, id, originMessageID, threadID, anchorSentAt, pendingSendAts)
}
func (m *mockFollowUpRepo) MarkMessageSent(ctx context.Context, messageID, sentMessageID string, at time.Time) error {
	return nil
}
func (m *mockFollowUpRepo) CancelPendingMessages(ctx context.Context, sequenceID string) (int, error) {
	return m.cancelPendingFunc(ctx, sequenceID)
}
func (m *mockFollowUpRepo) ReplacePendingMessages(ctx context.Context, sequenceID string, messages []model.FollowUpMessage) error {
	return nil
}

// mockMsgRepo はMessageRepositoryのモック実装。キャッシュ先行反映のみ使用する。
type mockMsgRepo struct {
	upserted []*model.CachedMessage
}

func (m *mockMsgRepo) Upsert(ctx context.Context, msg *model.CachedMessage) error {
	m.upserted = append(m.upserted, msg)
	return nil
}
func (m *mockMsgRepo) FindByUserAndExternalID(ctx context.Context, userID, externalID string) (*model.CachedMessage, error) {
	return nil, nil
}
func (m *mockMsgRepo) ListByContact(ctx context.Context, userID, contactID string, limit int) ([]*model.CachedMessage, error) {
	return nil, nil
}
func (m *mockMsgRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.CachedMessage, error) {
	return nil, nil
}
func (m *mockMsgRepo) NewestInternalDateByContact(ctx context.Context, userID, contactID string) (*time.Time, error) {
	return nil, nil
}
func (m *mockMsgRepo) HasInboundInThreadSince(ctx context.Context, userID, threadID string, since time.Time) (bool, error) {
	return false, nil
}
func (m *mockMsgRepo) UpdateFlags(ctx context.Context, userID, externalID string, isRead, isTrashed, isHidden *bool) error {
	return nil
}
func (m *mockMsgRepo) DeleteByUserAndExternalID(ctx context.Context, userID, externalID string) error {
	return nil
}
func (m *mockMsgRepo) DeleteByUserID(ctx context.Context, userID string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestDispatcher(conns ConnectionProvider, scheduled *mockScheduledRepo, followUp *mockFollowUpRepo, msgs *mockMsgRepo) *Dispatcher {
	d := NewDispatcher(conns, scheduled, followUp, msgs, testCollector(), testLogger())
	d.now = fixedNow
	return d
}

func TestDispatcher_SendNow(t *testing.T) {
	cred := &model.Credential{UserID: "user-1", AccountEmail: "alice@example.com"}
	var sentOut *gwork.OutgoingMessage
	mail := &mockMail{
		sendFunc: func(ctx context.Context, out *gwork.OutgoingMessage) (*gwork.SendResult, error) {
			sentOut = out
			return &gwork.SendResult{MessageID: "m-1", ThreadID: "t-1"}, nil
		},
	}
	conns := &mockConnections{conn: &gwork.Connection{Mail: mail}, cred: cred}
	msgs := &mockMsgRepo{}
	d := newTestDispatcher(conns, &mockScheduledRepo{}, &mockFollowUpRepo{}, msgs)

	contactID := "contact-1"
	result, err := d.SendNow(context.Background(), "user-1", &SendRequest{
		ContactID: &contactID,
		To:        "bob@example.com",
		Subject:   "ご提案",
		Body:      "<p>本文です</p>",
	})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if result.MessageID != "m-1" {
		t.Errorf("MessageID = %q", result.MessageID)
	}
	if sentOut.From != "alice@example.com" {
		t.Errorf("From = %q, want alice@example.com", sentOut.From)
	}

	// キャッシュ先行反映
	if len(msgs.upserted) != 1 {
		t.Fatal("キャッシュ反映が行われていない")
	}
	cached := msgs.upserted[0]
	if cached.Direction != model.DirectionOutbound {
		t.Errorf("Direction = %v", cached.Direction)
	}
	if !cached.IsRead {
		t.Error("送信メッセージはIsRead=trueであるべき")
	}
	if cached.Snippet != "本文です" {
		t.Errorf("Snippet = %q", cached.Snippet)
	}
	if cached.ContactID == nil || *cached.ContactID != "contact-1" {
		t.Error("ContactIDが伝播していない")
	}
}

func TestDispatcher_ProcessDueScheduled(t *testing.T) {
	cred := &model.Credential{UserID: "user-1", AccountEmail: "alice@example.com"}
	mail := &mockMail{
		sendFunc: func(ctx context.Context, out *gwork.OutgoingMessage) (*gwork.SendResult, error) {
			if out.To == "broken@example.com" {
				return nil, errors.New("provider rejected")
			}
			return &gwork.SendResult{MessageID: "m-sent", ThreadID: "t-sent"}, nil
		},
	}
	conns := &mockConnections{conn: &gwork.Connection{Mail: mail}, cred: cred}

	markedSent := []string{}
	scheduled := &mockScheduledRepo{
		listDueFunc: func(ctx context.Context, userID string, now time.Time) ([]*model.ScheduledMessage, error) {
			return []*model.ScheduledMessage{
				{ID: "s-1", UserID: userID, ToAddress: "bob@example.com", Status: model.ScheduledStatusPending},
				{ID: "s-2", UserID: userID, ToAddress: "broken@example.com", Status: model.ScheduledStatusPending},
			}, nil
		},
		markSentFunc: func(ctx context.Context, id, sentMessageID, sentThreadID string, at time.Time) error {
			markedSent = append(markedSent, id)
			return nil
		},
	}

	var originSeqID string
	var originAnchor time.Time
	var originSendAts map[string]time.Time
	followUp := &mockFollowUpRepo{
		findByScheduledFunc: func(ctx context.Context, scheduledMessageID string) (*model.FollowUpSequence, error) {
			if scheduledMessageID != "s-1" {
				return nil, nil
			}
			return &model.FollowUpSequence{
				ID:     "seq-1",
				Status: model.SequenceStatusActive,
				Messages: []model.FollowUpMessage{
					{ID: "fm-1", SeqNo: 1, DelayDays: 2, Status: model.FollowUpStatusPending},
					{ID: "fm-2", SeqNo: 2, DelayDays: 5, Status: model.FollowUpStatusPending},
				},
			}, nil
		},
		updateOriginFunc: func(ctx context.Context, id, originMessageID, threadID string, anchorSentAt time.Time, pendingSendAts map[string]time.Time) error {
			originSeqID = id
			originAnchor = anchorSentAt
			originSendAts = pendingSendAts
			return nil
		},
	}

	d := newTestDispatcher(conns, scheduled, followUp, &mockMsgRepo{})

	result, err := d.ProcessDueScheduled(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if result.Sent != 1 || result.Errors != 1 {
		t.Errorf("result = %+v, want {Sent:1 Errors:1}", result)
	}

	// 失敗したメッセージはsentに遷移しない
	if len(markedSent) != 1 || markedSent[0] != "s-1" {
		t.Errorf("markedSent = %v, want [s-1]", markedSent)
	}

	// 実送信時刻を基準点としてシーケンスに伝播する
	if originSeqID != "seq-1" {
		t.Fatal("シーケンスへのID伝播が行われていない")
	}
	if !originAnchor.Equal(fixedNow()) {
		t.Errorf("anchor = %v, want %v", originAnchor, fixedNow())
	}
	if want := fixedNow().AddDate(0, 0, 2); !originSendAts["fm-1"].Equal(want) {
		t.Errorf("fm-1のsend_at = %v, want %v", originSendAts["fm-1"], want)
	}
	if want := fixedNow().AddDate(0, 0, 5); !originSendAts["fm-2"].Equal(want) {
		t.Errorf("fm-2のsend_at = %v, want %v", originSendAts["fm-2"], want)
	}
}

func TestDispatcher_CancelScheduled(t *testing.T) {
	scheduled := &mockScheduledRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ScheduledMessage, error) {
			return &model.ScheduledMessage{ID: id, UserID: "user-1", Status: model.ScheduledStatusPending}, nil
		},
		markCancelledFunc: func(ctx context.Context, id string) error { return nil },
	}

	cancelled := false
	statusUpdated := model.SequenceStatus("")
	followUp := &mockFollowUpRepo{
		findByScheduledFunc: func(ctx context.Context, scheduledMessageID string) (*model.FollowUpSequence, error) {
			return &model.FollowUpSequence{ID: "seq-1", Status: model.SequenceStatusActive}, nil
		},
		cancelPendingFunc: func(ctx context.Context, sequenceID string) (int, error) {
			cancelled = true
			return 2, nil
		},
		updateStatusFunc: func(ctx context.Context, id string, status model.SequenceStatus) error {
			statusUpdated = status
			return nil
		},
	}

	d := newTestDispatcher(&mockConnections{}, scheduled, followUp, &mockMsgRepo{})

	if err := d.CancelScheduled(context.Background(), "user-1", "s-1"); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !cancelled {
		t.Error("未送信ステップが取り消されていない")
	}
	if statusUpdated != model.SequenceStatusCancelledUser {
		t.Errorf("status = %v, want cancelled_user", statusUpdated)
	}
}

func TestDispatcher_CreateScheduled(t *testing.T) {
	created := false
	scheduled := &mockScheduledRepo{
		createFunc: func(ctx context.Context, msg *model.ScheduledMessage) error {
			created = true
			return nil
		},
	}
	d := newTestDispatcher(&mockConnections{}, scheduled, &mockFollowUpRepo{}, &mockMsgRepo{})

	t.Run("過去の送信時刻は拒否する", func(t *testing.T) {
		_, err := d.CreateScheduled(context.Background(), "user-1", &model.ScheduledMessage{
			SendAt: fixedNow().Add(-1 * time.Hour),
		})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidTimeRange {
			t.Fatalf("err = %v, want INVALID_TIME_RANGE", err)
		}
	})

	t.Run("正常作成でIDとpendingが設定される", func(t *testing.T) {
		msg, err := d.CreateScheduled(context.Background(), "user-1", &model.ScheduledMessage{
			ToAddress: "bob@example.com",
			SendAt:    fixedNow().Add(1 * time.Hour),
		})
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if !created {
			t.Error("Createが呼ばれていない")
		}
		if msg.ID == "" || msg.Status != model.ScheduledStatusPending || msg.UserID != "user-1" {
			t.Errorf("msg = %+v", msg)
		}
	})
}

func TestDispatcher_UpdateScheduled(t *testing.T) {
	t.Run("他ユーザーのメッセージはSCHEDULED_NOT_FOUND", func(t *testing.T) {
		scheduled := &mockScheduledRepo{
			findByIDFunc: func(ctx context.Context, id string) (*model.ScheduledMessage, error) {
				return &model.ScheduledMessage{ID: id, UserID: "other", Status: model.ScheduledStatusPending}, nil
			},
		}
		d := newTestDispatcher(&mockConnections{}, scheduled, &mockFollowUpRepo{}, &mockMsgRepo{})

		_, err := d.UpdateScheduled(context.Background(), "user-1", &model.ScheduledMessage{ID: "s-1"})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeScheduledNotFound {
			t.Fatalf("err = %v, want SCHEDULED_NOT_FOUND", err)
		}
	})

	t.Run("送信済みメッセージはSCHEDULED_NOT_PENDING", func(t *testing.T) {
		scheduled := &mockScheduledRepo{
			findByIDFunc: func(ctx context.Context, id string) (*model.ScheduledMessage, error) {
				return &model.ScheduledMessage{ID: id, UserID: "user-1", Status: model.ScheduledStatusSent}, nil
			},
		}
		d := newTestDispatcher(&mockConnections{}, scheduled, &mockFollowUpRepo{}, &mockMsgRepo{})

		_, err := d.UpdateScheduled(context.Background(), "user-1", &model.ScheduledMessage{ID: "s-1"})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeScheduledNotPending {
			t.Fatalf("err = %v, want SCHEDULED_NOT_PENDING", err)
		}
	})
}
