package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types published on the event bus.
const (
	EventQR              = "qr"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventMessageReceived = "message_received"
	EventMessageSent     = "message_sent"
	EventMessageFailed   = "message_failed"
	EventStatusUpdate    = "status_update"
)

// Delivery ack levels carried by status_update.
const (
	AckPending   = 1
	AckServer    = 2
	AckDelivered = 3
	AckRead      = 4
	AckPlayed    = 5
)

// Disconnect reasons
const (
	ReasonManual   = "manual"
	ReasonLogout   = "logout"
	ReasonNetwork  = "connection_closed"
	ReasonReplaced = "stream_replaced"
)

// Event is the unit carried by the event bus. It is never mutated after
// construction.
type Event struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	InstanceID string      `json:"instance_id"`
	Type       string      `json:"type"`
	Payload    interface{} `json:"payload"`
	Timestamp  time.Time   `json:"timestamp"`
}

func NewEvent(tenantID, instanceID, typ string, payload interface{}) Event {
	return Event{
		ID:         ulid.Make().String(),
		TenantID:   tenantID,
		InstanceID: instanceID,
		Type:       typ,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
}

type QRPayload struct {
	InstanceID string `json:"instanceId"`
	QR         string `json:"qr"`
}

type ConnectedPayload struct {
	InstanceID  string `json:"instanceId"`
	PhoneNumber string `json:"phoneNumber"`
	PushName    string `json:"pushName"`
}

type DisconnectedPayload struct {
	InstanceID      string `json:"instanceId"`
	Reason          string `json:"reason,omitempty"`
	StatusCode      int    `json:"statusCode,omitempty"`
	ShouldReconnect bool   `json:"shouldReconnect"`
}

type MessageReceivedPayload struct {
	InstanceID string    `json:"instanceId"`
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	PushName   string    `json:"pushName,omitempty"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type MessageSentPayload struct {
	InstanceID string `json:"instanceId"`
	MessageID  string `json:"messageId"`
	To         string `json:"to"`
	Content    string `json:"content"`
	Type       string `json:"type"`
}

type MessageFailedPayload struct {
	InstanceID string `json:"instanceId"`
	To         string `json:"to"`
	Error      string `json:"error"`
}

type StatusUpdatePayload struct {
	InstanceID string `json:"instanceId"`
	MessageID  string `json:"messageId"`
	RemoteJid  string `json:"remoteJid"`
	Status     int    `json:"status"`
}

// AckStatus maps a delivery ack level to a message status. The second
// return is false for levels that carry no status change.
func AckStatus(ack int) (string, bool) {
	switch ack {
	case AckServer:
		return MessageSent, true
	case AckDelivered:
		return MessageDelivered, true
	case AckRead, AckPlayed:
		return MessageRead, true
	}
	return "", false
}

// MessageStatusRank orders statuses so updates only move forward.
func MessageStatusRank(status string) int {
	switch status {
	case MessageQueued:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageRead:
		return 4
	}
	return 0
}
