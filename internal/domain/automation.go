package domain

import "time"

const (
	ScheduledPending = "pending"
	ScheduledQueued  = "queued"
	ScheduledSent    = "sent"
	ScheduledFailed  = "failed"
)

const (
	RunPending   = "pending"
	RunQueued    = "queued"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// ScheduledMessage targets either a single contact or a contact list.
type ScheduledMessage struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID    string     `json:"tenant_id" gorm:"index;type:varchar(36)"`
	InstanceID  string     `json:"instance_id" gorm:"type:varchar(36)"`
	ContactID   string     `json:"contact_id" gorm:"type:varchar(36)"`
	ContactList string     `json:"contact_list" gorm:"type:text"` // comma separated contact ids
	Content     string     `json:"content" gorm:"type:text"`
	MediaURL    string     `json:"media_url"`
	MediaType   string     `json:"media_type"`
	ScheduledAt time.Time  `json:"scheduled_at" gorm:"index"`
	Status      string     `json:"status" gorm:"index;default:pending"`
	SentAt      *time.Time `json:"sent_at"`
	Error       string     `json:"error"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (ScheduledMessage) TableName() string {
	return "scheduled_messages"
}

type Automation struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID    string    `json:"tenant_id" gorm:"index;type:varchar(36)"`
	Name        string    `json:"name"`
	TriggerType string    `json:"trigger_type"`
	Config      string    `json:"config" gorm:"type:text"` // json object, see jobs.FollowupConfig
	IsActive    bool      `json:"is_active" gorm:"default:true"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Automation) TableName() string {
	return "automations"
}

type AutomationRun struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID       string     `json:"tenant_id" gorm:"index;type:varchar(36)"`
	AutomationID   string     `json:"automation_id" gorm:"index;type:varchar(36)"`
	ConversationID string     `json:"conversation_id" gorm:"index;type:varchar(36)"`
	ContactID      string     `json:"contact_id" gorm:"type:varchar(36)"`
	Status         string     `json:"status" gorm:"index;default:pending"`
	Attempt        int        `json:"attempt" gorm:"default:0"`
	RunAt          time.Time  `json:"run_at" gorm:"index"`
	CompletedAt    *time.Time `json:"completed_at"`
	Error          string     `json:"error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (AutomationRun) TableName() string {
	return "automation_runs"
}
