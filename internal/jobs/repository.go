package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wadesk/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the storage used by the queue handlers and the dispatcher.
type Repository interface {
	EnsureMessage(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error)
	RequeueMessage(ctx context.Context, id string) error
	MarkMessageSent(ctx context.Context, id, waMessageID string) error
	MarkMessageFailed(ctx context.Context, id, reason string) error

	ScheduledMessage(ctx context.Context, tenantID, id string) (*domain.ScheduledMessage, error)
	ContactsByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.Contact, error)
	MarkScheduled(ctx context.Context, id, status, reason string) error
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error)

	AutomationRun(ctx context.Context, tenantID, id string) (*domain.AutomationRun, *domain.Automation, error)
	InboundSince(ctx context.Context, conversationID string, since time.Time) (bool, error)
	ConversationTarget(ctx context.Context, conversationID string) (*domain.Conversation, *domain.Contact, error)
	FinishRun(ctx context.Context, id, status string) error
	MarkRun(ctx context.Context, id, status string) error
	DueRuns(ctx context.Context, now time.Time, limit int) ([]domain.AutomationRun, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// EnsureMessage inserts msg unless a row with its id exists, and returns
// the stored row together with whether this call created it.
func (r *GormRepository) EnsureMessage(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "create message")
	}
	if res.RowsAffected == 1 {
		return msg, true, nil
	}
	var stored domain.Message
	if err := r.db.WithContext(ctx).Where("id = ?", msg.ID).First(&stored).Error; err != nil {
		return nil, false, notFound(err)
	}
	return &stored, false, nil
}

// RequeueMessage puts a failed message back to queued.
func (r *GormRepository) RequeueMessage(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, domain.MessageFailed).
		Updates(map[string]interface{}{
			"status": domain.MessageQueued,
			"error":  "",
		}).Error
}

func (r *GormRepository) MarkMessageSent(ctx context.Context, id, waMessageID string) error {
	return r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"wa_message_id": waMessageID,
			"status":        domain.MessageSent,
			"error":         "",
		}).Error
}

func (r *GormRepository) MarkMessageFailed(ctx context.Context, id, reason string) error {
	return r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": domain.MessageFailed,
			"error":  reason,
		}).Error
}

func (r *GormRepository) ScheduledMessage(ctx context.Context, tenantID, id string) (*domain.ScheduledMessage, error) {
	var sm domain.ScheduledMessage
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&sm).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sm, nil
}

func (r *GormRepository) ContactsByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.Contact, error) {
	var contacts []domain.Contact
	if len(ids) == 0 {
		return contacts, nil
	}
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Order("created_at").
		Find(&contacts).Error
	return contacts, err
}

func (r *GormRepository) MarkScheduled(ctx context.Context, id, status, reason string) error {
	updates := map[string]interface{}{"status": status, "error": reason}
	if status == domain.ScheduledSent {
		updates["sent_at"] = time.Now()
	}
	return r.db.WithContext(ctx).Model(&domain.ScheduledMessage{}).Where("id = ?", id).Updates(updates).Error
}

func (r *GormRepository) DueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	var rows []domain.ScheduledMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.ScheduledPending, now).
		Order("scheduled_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *GormRepository) AutomationRun(ctx context.Context, tenantID, id string) (*domain.AutomationRun, *domain.Automation, error) {
	var run domain.AutomationRun
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&run).Error
	if err != nil {
		return nil, nil, notFound(err)
	}
	var automation domain.Automation
	err = r.db.WithContext(ctx).Where("id = ?", run.AutomationID).First(&automation).Error
	if err != nil {
		return nil, nil, notFound(err)
	}
	return &run, &automation, nil
}

func (r *GormRepository) InboundSince(ctx context.Context, conversationID string, since time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("conversation_id = ? AND direction = ? AND created_at > ?", conversationID, domain.DirectionInbound, since).
		Count(&count).Error
	return count > 0, err
}

func (r *GormRepository) ConversationTarget(ctx context.Context, conversationID string) (*domain.Conversation, *domain.Contact, error) {
	var conv domain.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", conversationID).First(&conv).Error; err != nil {
		return nil, nil, notFound(err)
	}
	var contact domain.Contact
	if err := r.db.WithContext(ctx).Where("id = ?", conv.ContactID).First(&contact).Error; err != nil {
		return nil, nil, notFound(err)
	}
	return &conv, &contact, nil
}

// FinishRun moves a run into a terminal state and counts the attempt.
func (r *GormRepository) FinishRun(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).Model(&domain.AutomationRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": time.Now(),
			"attempt":      gorm.Expr("attempt + 1"),
		}).Error
}

func (r *GormRepository) MarkRun(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).Model(&domain.AutomationRun{}).Where("id = ?", id).Update("status", status).Error
}

func (r *GormRepository) DueRuns(ctx context.Context, now time.Time, limit int) ([]domain.AutomationRun, error) {
	var rows []domain.AutomationRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", domain.RunPending, now).
		Order("run_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
