package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/eventbus"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	previewLimit = 200
	writeTimeout = 10 * time.Second
)

// TypeSubscriber is the part of the event bus the recorder needs.
type TypeSubscriber interface {
	SubscribeType(typ, name string, h eventbus.Handler) error
}

// Recorder writes inbound traffic and delivery progress to the database.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// Register subscribes the recorder. It must be registered before subscribers
// that read the rows it writes.
func (r *Recorder) Register(bus TypeSubscriber) error {
	subs := []struct {
		typ string
		h   eventbus.Handler
	}{
		{domain.EventMessageReceived, r.onMessageReceived},
		{domain.EventStatusUpdate, r.onStatusUpdate},
	}
	for _, s := range subs {
		if err := bus.SubscribeType(s.typ, "inbox-recorder", s.h); err != nil {
			return errors.Wrapf(err, "subscribe %s", s.typ)
		}
	}
	return nil
}

func (r *Recorder) onMessageReceived(ev domain.Event) error {
	p, ok := ev.Payload.(domain.MessageReceivedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := r.RecordInbound(ctx, ev.TenantID, ev.InstanceID, p)
	return err
}

// RecordInbound stores an inbound message, creating the contact and
// conversation on first contact. A resolved conversation is reopened. It
// returns the stored message, or nil when the message was already recorded.
func (r *Recorder) RecordInbound(ctx context.Context, tenantID, instanceID string, p domain.MessageReceivedPayload) (*domain.Message, error) {
	now := r.now()
	preview := Preview(p.Type, p.Content)
	var msg *domain.Message

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.MessageID != "" {
			var dup int64
			if err := tx.Model(&domain.Message{}).
				Where("tenant_id = ? AND instance_id = ? AND wa_message_id = ? AND direction = ?",
					tenantID, instanceID, p.MessageID, domain.DirectionInbound).
				Count(&dup).Error; err != nil {
				return err
			}
			if dup > 0 {
				return nil
			}
		}

		contact, err := upsertContact(tx, tenantID, p.From, p.PushName, now)
		if err != nil {
			return err
		}

		conv := domain.Conversation{
			ID:                 uuid.NewString(),
			TenantID:           tenantID,
			InstanceID:         instanceID,
			ContactID:          contact.ID,
			Status:             domain.ConversationOpen,
			UnreadCount:        1,
			LastMessageAt:      &now,
			LastMessagePreview: preview,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "instance_id"}, {Name: "contact_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"unread_count":         gorm.Expr("conversations.unread_count + 1"),
				"last_message_at":      now,
				"last_message_preview": preview,
				"updated_at":           now,
				"status": gorm.Expr("CASE WHEN conversations.status = ? THEN ? ELSE conversations.status END",
					domain.ConversationResolved, domain.ConversationOpen),
				"resolved_at": gorm.Expr("CASE WHEN conversations.status = ? THEN NULL ELSE conversations.resolved_at END",
					domain.ConversationResolved),
			}),
		}).Create(&conv).Error
		if err != nil {
			return errors.Wrap(err, "upsert conversation")
		}
		if err := tx.Where("tenant_id = ? AND instance_id = ? AND contact_id = ?", tenantID, instanceID, contact.ID).
			First(&conv).Error; err != nil {
			return errors.Wrap(err, "load conversation")
		}

		msg = &domain.Message{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			ConversationID: conv.ID,
			InstanceID:     instanceID,
			WaMessageID:    p.MessageID,
			Direction:      domain.DirectionInbound,
			Type:           p.Type,
			Content:        p.Content,
			MediaURL:       p.MediaURL,
			Status:         domain.MessageDelivered,
			CreatedAt:      now,
		}
		return errors.Wrap(tx.Create(msg).Error, "insert message")
	})
	if err != nil {
		return nil, err
	}
	if msg != nil {
		zap.L().Debug("inbound message recorded",
			zap.String("namespace", "inbox"),
			zap.String("tenant_id", tenantID),
			zap.String("conversation_id", msg.ConversationID),
			zap.String("wa_message_id", p.MessageID))
	}
	return msg, nil
}

func upsertContact(tx *gorm.DB, tenantID, waID, pushName string, now time.Time) (*domain.Contact, error) {
	updates := []string{"updated_at"}
	if pushName != "" {
		updates = append(updates, "push_name")
	}
	contact := domain.Contact{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		WaID:      waID,
		Phone:     PhoneFromJID(waID),
		Name:      pushName,
		PushName:  pushName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "wa_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&contact).Error
	if err != nil {
		return nil, errors.Wrap(err, "upsert contact")
	}
	if err := tx.Where("tenant_id = ? AND wa_id = ?", tenantID, waID).First(&contact).Error; err != nil {
		return nil, errors.Wrap(err, "load contact")
	}
	return &contact, nil
}

func (r *Recorder) onStatusUpdate(ev domain.Event) error {
	p, ok := ev.Payload.(domain.StatusUpdatePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return r.ApplyAck(ctx, ev.TenantID, p.MessageID, p.Status)
}

// ApplyAck advances a message's delivery status. Acks that would move the
// status backwards are ignored.
func (r *Recorder) ApplyAck(ctx context.Context, tenantID, waMessageID string, ack int) error {
	status, ok := domain.AckStatus(ack)
	if !ok || waMessageID == "" {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("tenant_id = ? AND wa_message_id = ? AND status IN ?", tenantID, waMessageID, statusesBelow(status)).
		Updates(map[string]interface{}{"status": status, "updated_at": r.now()}).Error
}

// ConversationFor finds the conversation an instance holds with a contact,
// matching the contact by JID or bare phone number.
func (r *Recorder) ConversationFor(ctx context.Context, tenantID, instanceID, waID string) (*domain.Conversation, error) {
	var contact domain.Contact
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND (wa_id = ? OR phone = ?)", tenantID, waID, PhoneFromJID(waID)).
		First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv domain.Conversation
	err = r.db.WithContext(ctx).
		Where("tenant_id = ? AND instance_id = ? AND contact_id = ?", tenantID, instanceID, contact.ID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

var statusOrder = []string{domain.MessageQueued, domain.MessageSent, domain.MessageDelivered, domain.MessageRead}

func statusesBelow(status string) []string {
	rank := domain.MessageStatusRank(status)
	var out []string
	for _, s := range statusOrder {
		if domain.MessageStatusRank(s) < rank {
			out = append(out, s)
		}
	}
	return out
}

var mediaLabels = map[string]string{
	domain.MessageTypeImage:    "[Image]",
	domain.MessageTypeVideo:    "[Video]",
	domain.MessageTypeAudio:    "[Audio]",
	domain.MessageTypeDocument: "[Document]",
	domain.MessageTypeSticker:  "[Sticker]",
	domain.MessageTypeLocation: "[Location]",
}

// Preview renders the conversation list preview for a message.
func Preview(typ, content string) string {
	s := strings.TrimSpace(content)
	if label, ok := mediaLabels[typ]; ok {
		s = strings.TrimSpace(label + " " + s)
	}
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	return string([]rune(s)[:previewLimit])
}

// PhoneFromJID strips the server and device parts from a JID.
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return strings.TrimPrefix(user, "+")
}
