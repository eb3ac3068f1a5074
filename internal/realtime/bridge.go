package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/eventbus"
)

// Outbound frame names
const (
	EventQR           = "whatsapp:qr"
	EventConnected    = "whatsapp:connected"
	EventDisconnected = "whatsapp:disconnected"
	EventMessage      = "whatsapp:message"
	EventStatus       = "whatsapp:status"
)

type Emitter interface {
	Emit(room, event string, data interface{})
}

// Resolver finds the conversation behind a message so it can also be sent
// to the conversation room.
type Resolver interface {
	ConversationFor(ctx context.Context, tenantID, instanceID, waID string) (*domain.Conversation, error)
}

type TypeSubscriber interface {
	SubscribeType(typ, name string, h eventbus.Handler) error
}

// MessageFrame is the whatsapp:message body.
type MessageFrame struct {
	InstanceID     string    `json:"instanceId"`
	Direction      string    `json:"direction"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	PushName       string    `json:"pushName,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	MediaURL       string    `json:"mediaUrl,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bridge maps bus events onto tenant and conversation rooms.
type Bridge struct {
	hub      Emitter
	resolver Resolver
}

func NewBridge(hub Emitter, resolver Resolver) *Bridge {
	return &Bridge{hub: hub, resolver: resolver}
}

var bridgedTypes = []string{
	domain.EventQR,
	domain.EventConnected,
	domain.EventDisconnected,
	domain.EventMessageReceived,
	domain.EventMessageSent,
	domain.EventStatusUpdate,
}

// Register subscribes per event type so the bridge runs after persistence
// subscribers registered earlier on the same types.
func (b *Bridge) Register(bus TypeSubscriber) error {
	for _, typ := range bridgedTypes {
		if err := bus.SubscribeType(typ, "realtime-bridge", b.Handle); err != nil {
			return errors.Wrapf(err, "subscribe %s", typ)
		}
	}
	return nil
}

func (b *Bridge) Handle(ev domain.Event) error {
	room := TenantRoom(ev.TenantID)
	switch p := ev.Payload.(type) {
	case domain.QRPayload:
		b.hub.Emit(room, EventQR, p)
	case domain.ConnectedPayload:
		b.hub.Emit(room, EventConnected, p)
	case domain.DisconnectedPayload:
		b.hub.Emit(room, EventDisconnected, p)
	case domain.MessageReceivedPayload:
		frame := MessageFrame{
			InstanceID: ev.InstanceID,
			Direction:  domain.DirectionInbound,
			MessageID:  p.MessageID,
			From:       p.From,
			PushName:   p.PushName,
			Content:    p.Content,
			Type:       p.Type,
			MediaURL:   p.MediaURL,
			Timestamp:  p.Timestamp,
		}
		b.emitMessage(ev, p.From, frame)
	case domain.MessageSentPayload:
		frame := MessageFrame{
			InstanceID: ev.InstanceID,
			Direction:  domain.DirectionOutbound,
			MessageID:  p.MessageID,
			To:         p.To,
			Content:    p.Content,
			Type:       p.Type,
			Timestamp:  ev.Timestamp,
		}
		b.emitMessage(ev, p.To, frame)
	case domain.StatusUpdatePayload:
		b.hub.Emit(room, EventStatus, p)
	default:
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Type)
	}
	return nil
}

func (b *Bridge) emitMessage(ev domain.Event, peer string, frame MessageFrame) {
	if b.resolver != nil && peer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conv, err := b.resolver.ConversationFor(ctx, ev.TenantID, ev.InstanceID, peer)
		cancel()
		if err == nil {
			frame.ConversationID = conv.ID
		}
	}
	b.hub.Emit(TenantRoom(ev.TenantID), EventMessage, frame)
	if frame.ConversationID != "" {
		b.hub.Emit(ConversationRoom(frame.ConversationID), EventMessage, frame)
	}
}
