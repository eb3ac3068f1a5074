package domain

import "time"

const (
	ConversationOpen       = "open"
	ConversationInProgress = "in_progress"
	ConversationResolved   = "resolved"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery states, in the order they may advance.
const (
	MessageQueued    = "queued"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Message content types
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeSticker  = "sticker"
	MessageTypeLocation = "location"
	MessageTypeUnknown  = "unknown"
)

type Contact struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID  string    `json:"tenant_id" gorm:"uniqueIndex:idx_contact_tenant_wa;type:varchar(36)"`
	WaID      string    `json:"wa_id" gorm:"uniqueIndex:idx_contact_tenant_wa"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	PushName  string    `json:"push_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Conversation carries the assignment lock (LockedBy, LockedAt).
type Conversation struct {
	ID                 string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID           string     `json:"tenant_id" gorm:"uniqueIndex:idx_conversation_key;type:varchar(36)"`
	InstanceID         string     `json:"instance_id" gorm:"uniqueIndex:idx_conversation_key;type:varchar(36)"`
	ContactID          string     `json:"contact_id" gorm:"uniqueIndex:idx_conversation_key;type:varchar(36)"`
	Status             string     `json:"status" gorm:"index;default:open"`
	AssignedTo         string     `json:"assigned_to" gorm:"index"`
	LockedBy           string     `json:"locked_by"`
	LockedAt           *time.Time `json:"locked_at"`
	UnreadCount        int        `json:"unread_count" gorm:"default:0"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	LastMessagePreview string     `json:"last_message_preview"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type Message struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID       string    `json:"tenant_id" gorm:"index;type:varchar(36)"`
	ConversationID string    `json:"conversation_id" gorm:"index;type:varchar(36)"`
	InstanceID     string    `json:"instance_id" gorm:"type:varchar(36)"`
	WaMessageID    string    `json:"wa_message_id" gorm:"index"`
	Direction      string    `json:"direction"`
	Type           string    `json:"type"`
	Content        string    `json:"content" gorm:"type:text"`
	MediaURL       string    `json:"media_url"`
	Status         string    `json:"status" gorm:"index"`
	Error          string    `json:"error"`
	SentBy         string    `json:"sent_by"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}
