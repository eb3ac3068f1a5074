package inbox

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/eventbus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	tenant   = "t1"
	instance = "i1"
	from     = "5511999999999@s.whatsapp.net"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	return db
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLock(t *testing.T) (*LockService, *gorm.DB, *clock) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&domain.Conversation{ID: "conv1", TenantID: tenant, InstanceID: instance, ContactID: "c1"}).Error)
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := NewLockService(db)
	s.now = c.now
	return s, db, c
}

func TestLock_HeldUntilExpiry(t *testing.T) {
	s, db, c := newLock(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, tenant, "conv1", "agentA"))
	c.advance(10 * time.Minute)
	assert.ErrorIs(t, s.Acquire(ctx, tenant, "conv1", "agentB"), domain.ErrLockHeld)

	holder, err := s.Holder(ctx, tenant, "conv1")
	require.NoError(t, err)
	assert.Equal(t, "agentA", holder)

	c.advance(21 * time.Minute)
	holder, err = s.Holder(ctx, tenant, "conv1")
	require.NoError(t, err)
	assert.Empty(t, holder)
	require.NoError(t, s.Acquire(ctx, tenant, "conv1", "agentB"))

	var conv domain.Conversation
	require.NoError(t, db.First(&conv, "id = ?", "conv1").Error)
	assert.Equal(t, "agentB", conv.LockedBy)
	assert.Equal(t, "agentB", conv.AssignedTo)
	assert.Equal(t, domain.ConversationInProgress, conv.Status)
}

func TestLock_SameHolderRefreshes(t *testing.T) {
	s, _, c := newLock(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, tenant, "conv1", "agentA"))
	c.advance(25 * time.Minute)
	require.NoError(t, s.Acquire(ctx, tenant, "conv1", "agentA"))
	c.advance(25 * time.Minute)
	// 50 minutes after the first grant but 25 after the refresh
	assert.ErrorIs(t, s.Acquire(ctx, tenant, "conv1", "agentB"), domain.ErrLockHeld)
}

func TestLock_ReleaseResolves(t *testing.T) {
	s, db, _ := newLock(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, tenant, "conv1", "agentA"))
	require.NoError(t, s.Release(ctx, tenant, "conv1"))

	var conv domain.Conversation
	require.NoError(t, db.First(&conv, "id = ?", "conv1").Error)
	assert.Equal(t, domain.ConversationResolved, conv.Status)
	assert.Empty(t, conv.LockedBy)
	assert.Nil(t, conv.LockedAt)
	assert.NotNil(t, conv.ResolvedAt)

	require.NoError(t, s.Acquire(ctx, tenant, "conv1", "agentB"))
}

func TestLock_TenantScoped(t *testing.T) {
	s, _, _ := newLock(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Acquire(ctx, "other", "conv1", "agentA"), domain.ErrNotFound)
	assert.ErrorIs(t, s.Release(ctx, "other", "conv1"), domain.ErrNotFound)
	_, err := s.Holder(ctx, "other", "conv1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func inbound(id, content string) domain.MessageReceivedPayload {
	return domain.MessageReceivedPayload{
		InstanceID: instance,
		MessageID:  id,
		From:       from,
		PushName:   "Ana",
		Content:    content,
		Type:       domain.MessageTypeText,
		Timestamp:  time.Now(),
	}
}

func TestRecorder_InboundCreatesConversation(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	ctx := context.Background()

	msg, err := r.RecordInbound(ctx, tenant, instance, inbound("WA1", "hi back"))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, domain.MessageDelivered, msg.Status)

	_, err = r.RecordInbound(ctx, tenant, instance, inbound("WA2", "are you there?"))
	require.NoError(t, err)

	var contacts []domain.Contact
	require.NoError(t, db.Find(&contacts).Error)
	require.Len(t, contacts, 1)
	assert.Equal(t, "5511999999999", contacts[0].Phone)
	assert.Equal(t, "Ana", contacts[0].PushName)

	var convs []domain.Conversation
	require.NoError(t, db.Find(&convs).Error)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, "are you there?", convs[0].LastMessagePreview)
	assert.Equal(t, domain.ConversationOpen, convs[0].Status)

	var count int64
	db.Model(&domain.Message{}).Where("conversation_id = ?", convs[0].ID).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestRecorder_DuplicateIgnored(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	ctx := context.Background()

	_, err := r.RecordInbound(ctx, tenant, instance, inbound("WA1", "hi"))
	require.NoError(t, err)
	msg, err := r.RecordInbound(ctx, tenant, instance, inbound("WA1", "hi"))
	require.NoError(t, err)
	assert.Nil(t, msg)

	var conv domain.Conversation
	require.NoError(t, db.First(&conv).Error)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestRecorder_ReopensResolvedConversation(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	ctx := context.Background()

	_, err := r.RecordInbound(ctx, tenant, instance, inbound("WA1", "hi"))
	require.NoError(t, err)
	var conv domain.Conversation
	require.NoError(t, db.First(&conv).Error)
	require.NoError(t, NewLockService(db).Release(ctx, tenant, conv.ID))

	_, err = r.RecordInbound(ctx, tenant, instance, inbound("WA2", "one more thing"))
	require.NoError(t, err)
	require.NoError(t, db.First(&conv, "id = ?", conv.ID).Error)
	assert.Equal(t, domain.ConversationOpen, conv.Status)
	assert.Nil(t, conv.ResolvedAt)
}

func TestRecorder_AcksOnlyMoveForward(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	require.NoError(t, db.Create(&domain.Message{
		ID: "m1", TenantID: tenant, WaMessageID: "WA9", Direction: domain.DirectionOutbound, Status: domain.MessageSent,
	}).Error)

	status := func() string {
		var m domain.Message
		require.NoError(t, db.First(&m, "id = ?", "m1").Error)
		return m.Status
	}

	require.NoError(t, r.ApplyAck(ctx, tenant, "WA9", domain.AckRead))
	assert.Equal(t, domain.MessageRead, status())
	require.NoError(t, r.ApplyAck(ctx, tenant, "WA9", domain.AckDelivered))
	assert.Equal(t, domain.MessageRead, status())
	require.NoError(t, r.ApplyAck(ctx, "other", "WA9", domain.AckPlayed))
	require.NoError(t, r.ApplyAck(ctx, tenant, "WA9", domain.AckPending))
	assert.Equal(t, domain.MessageRead, status())
}

func TestRecorder_SubscribedToBus(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	bus := eventbus.New()
	require.NoError(t, r.Register(bus))

	bus.Publish(domain.NewEvent(tenant, instance, domain.EventMessageReceived, inbound("WA1", "hi back")))

	conv, err := r.ConversationFor(context.Background(), tenant, instance, "5511999999999")
	require.NoError(t, err)
	var msg domain.Message
	require.NoError(t, db.First(&msg, "conversation_id = ?", conv.ID).Error)
	assert.Equal(t, "hi back", msg.Content)
	assert.Equal(t, domain.DirectionInbound, msg.Direction)

	require.NoError(t, db.Create(&domain.Message{
		ID: "out1", TenantID: tenant, ConversationID: conv.ID, WaMessageID: "WA2",
		Direction: domain.DirectionOutbound, Status: domain.MessageSent,
	}).Error)
	// sends are recorded by the send job, not by the recorder
	bus.Publish(domain.NewEvent(tenant, instance, domain.EventMessageSent, domain.MessageSentPayload{
		InstanceID: instance, MessageID: "WA2", To: from, Content: "hello", Type: domain.MessageTypeText,
	}))
	var count int64
	require.NoError(t, db.Model(&domain.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	bus.Publish(domain.NewEvent(tenant, instance, domain.EventStatusUpdate, domain.StatusUpdatePayload{
		InstanceID: instance, MessageID: "WA2", RemoteJid: from, Status: domain.AckDelivered,
	}))
	require.NoError(t, db.First(&msg, "id = ?", "out1").Error)
	assert.Equal(t, domain.MessageDelivered, msg.Status)

	// wrong payload type is absorbed by the bus
	bus.Publish(domain.NewEvent(tenant, instance, domain.EventMessageReceived, "garbage"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello", Preview(domain.MessageTypeText, " hello "))
	assert.Equal(t, "[Image] sunset", Preview(domain.MessageTypeImage, "sunset"))
	assert.Equal(t, "[Sticker]", Preview(domain.MessageTypeSticker, ""))
	long := strings.Repeat("é", 250)
	assert.Equal(t, 200, len([]rune(Preview(domain.MessageTypeText, long))))
}

func TestPhoneFromJID(t *testing.T) {
	assert.Equal(t, "5511999999999", PhoneFromJID("5511999999999@s.whatsapp.net"))
	assert.Equal(t, "5511999999999", PhoneFromJID("5511999999999:12@s.whatsapp.net"))
	assert.Equal(t, "5511999999999", PhoneFromJID("+5511999999999"))
}
