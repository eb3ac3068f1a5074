// Package inbox persists conversation traffic and arbitrates which agent
// may work a conversation.
package inbox

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wadesk/internal/domain"
	"gorm.io/gorm"
)

// LockTTL is the age after which a conversation lock may be taken over.
const LockTTL = 30 * time.Minute

// LockService is an advisory lock on conversation rows. Expiry is checked
// only when someone tries to acquire; nothing sweeps stale locks.
type LockService struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewLockService(db *gorm.DB) *LockService {
	return &LockService{db: db, ttl: LockTTL, now: time.Now}
}

// Acquire grants or refreshes the lock for holderID. It fails with
// domain.ErrLockHeld while another holder's lock is younger than LockTTL.
func (s *LockService) Acquire(ctx context.Context, tenantID, conversationID, holderID string) error {
	if holderID == "" {
		return errors.New("empty lock holder")
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).
		Where(s.db.Where("locked_by IS NULL").
			Or("locked_by = ''").
			Or("locked_by = ?", holderID).
			Or("locked_at IS NULL").
			Or("locked_at < ?", now.Add(-s.ttl))).
		Updates(map[string]interface{}{
			"locked_by":   holderID,
			"locked_at":   now,
			"assigned_to": holderID,
			"status":      domain.ConversationInProgress,
			"resolved_at": nil,
			"updated_at":  now,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "acquire conversation lock")
	}
	if res.RowsAffected > 0 {
		return nil
	}
	exists, err := s.exists(ctx, tenantID, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrLockHeld
}

// Release clears the lock and resolves the conversation.
func (s *LockService) Release(ctx context.Context, tenantID, conversationID string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).
		Updates(map[string]interface{}{
			"locked_by":   "",
			"locked_at":   nil,
			"status":      domain.ConversationResolved,
			"resolved_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "release conversation lock")
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Holder returns the agent holding a live lock, or "" when the
// conversation is free.
func (s *LockService) Holder(ctx context.Context, tenantID, conversationID string) (string, error) {
	var conv domain.Conversation
	err := s.db.WithContext(ctx).
		Select("locked_by", "locked_at").
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if conv.LockedAt == nil || s.now().Sub(*conv.LockedAt) > s.ttl {
		return "", nil
	}
	return conv.LockedBy, nil
}

func (s *LockService) exists(ctx context.Context, tenantID, conversationID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).
		Count(&count).Error
	return count > 0, err
}
