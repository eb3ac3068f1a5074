// Package jobs holds the queue handlers for outbound sends, scheduled
// messages and follow-up automations.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/queue"
	"github.com/talkincode/wadesk/internal/whatsapp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Queue names
const (
	QueueSend      = "send-message"
	QueueScheduled = "scheduled-message"
	QueueFollowup  = "follow-up"
)

const maxListJitter = 5 * time.Second

// OutboundJob is the payload of a send-message job.
type OutboundJob struct {
	TenantID   string          `json:"tenant_id"`
	InstanceID string          `json:"instance_id"`
	Recipient  string          `json:"recipient"`
	Text       string          `json:"text,omitempty"`
	Media      *whatsapp.Media `json:"media,omitempty"`
	// MessageID is the originating message row, empty for fire-and-forget
	// sends.
	MessageID string `json:"message_id,omitempty"`
}

type ScheduledJob struct {
	TenantID           string `json:"tenant_id"`
	ScheduledMessageID string `json:"scheduled_message_id"`
}

type FollowupJob struct {
	TenantID        string `json:"tenant_id"`
	AutomationRunID string `json:"automation_run_id"`
}

// FollowupConfig is the follow-up automation config.
type FollowupConfig struct {
	Message      string `mapstructure:"message"`
	MediaURL     string `mapstructure:"media_url"`
	MediaType    string `mapstructure:"media_type"`
	DelayMinutes int    `mapstructure:"delay_minutes"`
}

// Sender delivers messages through a live instance.
type Sender interface {
	SendText(ctx context.Context, tenantID, instanceID, to, text string) (string, error)
	SendMedia(ctx context.Context, tenantID, instanceID, to string, media whatsapp.Media) (string, error)
}

// Enqueuer admits new jobs.
type Enqueuer interface {
	Enqueue(queue string, payload interface{}, opts ...queue.EnqueueOption) (string, error)
}

type Handlers struct {
	sender      Sender
	repo        Repository
	enqueue     Enqueuer
	maxAttempts int
	// jitter spaces out list recipients
	jitter func() time.Duration
}

// NewHandlers builds the queue handlers. maxAttempts bounds every send job
// they enqueue; zero or less falls back to queue.DefaultMaxAttempts.
func NewHandlers(sender Sender, repo Repository, enqueue Enqueuer, maxAttempts int) *Handlers {
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	return &Handlers{
		sender:      sender,
		repo:        repo,
		enqueue:     enqueue,
		maxAttempts: maxAttempts,
		jitter:      func() time.Duration { return rand.N(maxListJitter) },
	}
}

// followupNamespace scopes message ids derived from automation run ids.
var followupNamespace = uuid.MustParse("0b6f5c1e-2f43-4d8a-9a57-3c1f8e6d2b90")

// followupMessageID is stable per run so a retried follow-up finds the
// message row an earlier attempt created.
func followupMessageID(runID string) string {
	return uuid.NewSHA1(followupNamespace, []byte(runID)).String()
}

// Send delivers one OutboundJob and records the outcome on its message.
func (h *Handlers) Send(ctx context.Context, job *queue.Job) error {
	var oj OutboundJob
	if err := job.Decode(&oj); err != nil {
		return queue.Permanent(fmt.Errorf("decode outbound job: %w", err))
	}

	var (
		waID string
		err  error
	)
	if oj.Media != nil {
		waID, err = h.sender.SendMedia(ctx, oj.TenantID, oj.InstanceID, oj.Recipient, *oj.Media)
	} else {
		waID, err = h.sender.SendText(ctx, oj.TenantID, oj.InstanceID, oj.Recipient, oj.Text)
	}
	if err != nil {
		if oj.MessageID != "" {
			if merr := h.repo.MarkMessageFailed(ctx, oj.MessageID, err.Error()); merr != nil {
				zap.L().Error("mark message failed", zap.String("message_id", oj.MessageID), zap.Error(merr))
			}
		}
		err = fmt.Errorf("%w: %w", domain.ErrQueueJobFailure, err)
		if errors.Is(err, domain.ErrNotConnected) {
			return queue.Permanent(err)
		}
		return err
	}

	if oj.MessageID != "" {
		if err := h.repo.MarkMessageSent(ctx, oj.MessageID, waID); err != nil {
			zap.L().Error("mark message sent", zap.String("message_id", oj.MessageID), zap.Error(err))
		}
	}
	return nil
}

// Scheduled fans a scheduled message out into send jobs. List recipients
// get a random delay each.
func (h *Handlers) Scheduled(ctx context.Context, job *queue.Job) error {
	var sj ScheduledJob
	if err := job.Decode(&sj); err != nil {
		return queue.Permanent(fmt.Errorf("decode scheduled job: %w", err))
	}
	sm, err := h.repo.ScheduledMessage(ctx, sj.TenantID, sj.ScheduledMessageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sm.Status != domain.ScheduledPending && sm.Status != domain.ScheduledQueued {
		return nil
	}

	var media *whatsapp.Media
	if sm.MediaURL != "" {
		media = &whatsapp.Media{Type: sm.MediaType, URL: sm.MediaURL, Caption: sm.Content}
		if media.Type == "" {
			media.Type = domain.MessageTypeImage
		}
	}
	build := func(c domain.Contact) OutboundJob {
		return OutboundJob{
			TenantID:   sm.TenantID,
			InstanceID: sm.InstanceID,
			Recipient:  c.WaID,
			Text:       sm.Content,
			Media:      media,
		}
	}

	queued := 0
	if sm.ContactID != "" {
		contacts, err := h.repo.ContactsByIDs(ctx, sm.TenantID, []string{sm.ContactID})
		if err != nil {
			return err
		}
		for _, c := range contacts {
			if _, err := h.enqueue.Enqueue(QueueSend, build(c), queue.WithMaxAttempts(h.maxAttempts)); err != nil {
				return err
			}
			queued++
		}
	}
	if ids := splitList(sm.ContactList); len(ids) > 0 {
		contacts, err := h.repo.ContactsByIDs(ctx, sm.TenantID, ids)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			if _, err := h.enqueue.Enqueue(QueueSend, build(c), queue.WithDelay(h.jitter()), queue.WithMaxAttempts(h.maxAttempts)); err != nil {
				return err
			}
			queued++
		}
	}

	if err := h.repo.MarkScheduled(ctx, sm.ID, domain.ScheduledSent, ""); err != nil {
		return err
	}
	zap.L().Info("scheduled message dispatched",
		zap.String("tenant_id", sm.TenantID),
		zap.String("scheduled_message_id", sm.ID),
		zap.Int("recipients", queued))
	return nil
}

// Followup sends the automation message unless the contact answered after
// the run was created.
func (h *Handlers) Followup(ctx context.Context, job *queue.Job) error {
	var fj FollowupJob
	if err := job.Decode(&fj); err != nil {
		return queue.Permanent(fmt.Errorf("decode follow-up job: %w", err))
	}
	run, automation, err := h.repo.AutomationRun(ctx, fj.TenantID, fj.AutomationRunID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != domain.RunPending && run.Status != domain.RunQueued {
		return nil
	}

	answered, err := h.repo.InboundSince(ctx, run.ConversationID, run.CreatedAt)
	if err != nil {
		return err
	}
	if answered {
		zap.L().Info("follow-up cancelled, contact replied",
			zap.String("tenant_id", run.TenantID),
			zap.String("automation_run_id", run.ID))
		return h.repo.FinishRun(ctx, run.ID, domain.RunCancelled)
	}

	cfg, err := DecodeFollowupConfig(automation.Config)
	if err != nil {
		_ = h.repo.FinishRun(ctx, run.ID, domain.RunFailed)
		return queue.Permanent(err)
	}
	conv, contact, err := h.repo.ConversationTarget(ctx, run.ConversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return h.repo.FinishRun(ctx, run.ID, domain.RunFailed)
	}
	if err != nil {
		return err
	}

	msg := &domain.Message{
		ID:             followupMessageID(run.ID),
		TenantID:       run.TenantID,
		ConversationID: conv.ID,
		InstanceID:     conv.InstanceID,
		Direction:      domain.DirectionOutbound,
		Type:           domain.MessageTypeText,
		Content:        cfg.Message,
		MediaURL:       cfg.MediaURL,
		Status:         domain.MessageQueued,
		SentBy:         "automation:" + automation.ID,
	}
	oj := OutboundJob{
		TenantID:   run.TenantID,
		InstanceID: conv.InstanceID,
		Recipient:  contact.WaID,
		Text:       cfg.Message,
		MessageID:  msg.ID,
	}
	if cfg.MediaURL != "" {
		msg.Type = cfg.MediaType
		if msg.Type == "" {
			msg.Type = domain.MessageTypeImage
		}
		oj.Media = &whatsapp.Media{Type: msg.Type, URL: cfg.MediaURL, Caption: cfg.Message}
	}
	stored, created, err := h.repo.EnsureMessage(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		switch stored.Status {
		case domain.MessageFailed:
			if err := h.repo.RequeueMessage(ctx, stored.ID); err != nil {
				return err
			}
		default:
			// an earlier attempt already handed the message to the send queue
			return h.repo.FinishRun(ctx, run.ID, domain.RunCompleted)
		}
	}
	if _, err := h.enqueue.Enqueue(QueueSend, oj, queue.WithMaxAttempts(h.maxAttempts)); err != nil {
		if merr := h.repo.MarkMessageFailed(ctx, msg.ID, err.Error()); merr != nil {
			zap.L().Error("mark message failed", zap.String("message_id", msg.ID), zap.Error(merr))
		}
		return err
	}
	return h.repo.FinishRun(ctx, run.ID, domain.RunCompleted)
}

// DecodeFollowupConfig reads the automation config json.
func DecodeFollowupConfig(raw string) (*FollowupConfig, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("automation config: %w", err)
	}
	cfg := &FollowupConfig{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("automation config: %w", err)
	}
	if cfg.Message == "" && cfg.MediaURL == "" {
		return nil, fmt.Errorf("automation config: empty message")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
