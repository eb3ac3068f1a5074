// Package eventbus fans domain events out to in-process subscribers.
package eventbus

import (
	"fmt"
	"runtime/debug"

	evbus "github.com/asaskevich/EventBus"
	"github.com/talkincode/wadesk/internal/domain"
	"go.uber.org/zap"
)

// Handler receives a published event. A returned error is logged and
// otherwise ignored.
type Handler func(ev domain.Event) error

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ev domain.Event)
}

const topicAll = "whatsapp"

func typeTopic(typ string) string { return "whatsapp:type:" + typ }

func tenantTopic(tenantID string) string { return "whatsapp:tenant:" + tenantID }

func instanceTopic(tenantID, instanceID string) string {
	return fmt.Sprintf("whatsapp:instance:%s:%s", tenantID, instanceID)
}

// Bus delivers each event synchronously to the subscribers of the wildcard
// channel, then its type, its tenant and finally its tenant+instance pair.
// Handlers run while the bus is locked and must not publish or subscribe
// from inside the callback.
type Bus struct {
	bus evbus.Bus
}

var _ Publisher = (*Bus)(nil)

func New() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Publish(ev domain.Event) {
	b.bus.Publish(topicAll, ev)
	b.bus.Publish(typeTopic(ev.Type), ev)
	if ev.TenantID != "" {
		b.bus.Publish(tenantTopic(ev.TenantID), ev)
		if ev.InstanceID != "" {
			b.bus.Publish(instanceTopic(ev.TenantID, ev.InstanceID), ev)
		}
	}
}

func (b *Bus) SubscribeAll(name string, h Handler) error {
	return b.subscribe(topicAll, name, h)
}

func (b *Bus) SubscribeType(typ, name string, h Handler) error {
	return b.subscribe(typeTopic(typ), name, h)
}

func (b *Bus) SubscribeTenant(tenantID, name string, h Handler) error {
	return b.subscribe(tenantTopic(tenantID), name, h)
}

func (b *Bus) SubscribeInstance(tenantID, instanceID, name string, h Handler) error {
	return b.subscribe(instanceTopic(tenantID, instanceID), name, h)
}

func (b *Bus) subscribe(topic, name string, h Handler) error {
	return b.bus.Subscribe(topic, isolate(topic, name, h))
}

// isolate keeps one failing subscriber from reaching the publisher or its
// siblings.
func isolate(topic, name string, h Handler) func(domain.Event) {
	return func(ev domain.Event) {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("event subscriber panic",
					zap.String("namespace", "eventbus"),
					zap.String("topic", topic),
					zap.String("subscriber", name),
					zap.String("event", ev.Type),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		if err := h(ev); err != nil {
			zap.L().Warn("event subscriber failed",
				zap.String("namespace", "eventbus"),
				zap.String("topic", topic),
				zap.String("subscriber", name),
				zap.String("event", ev.Type),
				zap.String("tenant_id", ev.TenantID),
				zap.String("instance_id", ev.InstanceID),
				zap.Error(err))
		}
	}
}
