package domain

import "time"

// Instance lifecycle states.
const (
	InstanceDisconnected = "disconnected"
	InstanceConnecting   = "connecting"
	InstanceQRPending    = "qr_pending"
	InstanceConnected    = "connected"
)

// WhatsAppInstance is one tenant's connection to the messaging network.
type WhatsAppInstance struct {
	ID                 string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID           string     `json:"tenant_id" gorm:"index;type:varchar(36)"`
	InstanceName       string     `json:"instance_name"`
	PhoneNumber        string     `json:"phone_number"`
	Status             string     `json:"status" gorm:"index;default:disconnected"`
	IsActive           bool       `json:"is_active" gorm:"default:true"`
	LastConnectedAt    *time.Time `json:"last_connected_at"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (WhatsAppInstance) TableName() string {
	return "whatsapp_instances"
}

// WhatsAppSession holds the encrypted credential snapshot of an instance.
// One row per instance, overwritten on every update.
type WhatsAppSession struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	InstanceID     string    `json:"instance_id" gorm:"uniqueIndex;type:varchar(36)"`
	TenantID       string    `json:"tenant_id" gorm:"index;type:varchar(36)"`
	CredsEncrypted string    `json:"-" gorm:"type:text"`
	CredsIV        string    `json:"-"`
	CredsTag       string    `json:"-"`
	KeysEncrypted  string    `json:"-" gorm:"type:text"`
	KeysIV         string    `json:"-"`
	KeysTag        string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}
