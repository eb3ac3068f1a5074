package eventbus

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wadesk/internal/domain"
)

func TestPublish_FansOutToEveryChannel(t *testing.T) {
	bus := New()
	var got []string
	record := func(name string) Handler {
		return func(ev domain.Event) error {
			got = append(got, name)
			return nil
		}
	}

	require.NoError(t, bus.SubscribeAll("all", record("all")))
	require.NoError(t, bus.SubscribeType(domain.EventQR, "type", record("type")))
	require.NoError(t, bus.SubscribeType(domain.EventConnected, "other-type", record("other-type")))
	require.NoError(t, bus.SubscribeTenant("t1", "tenant", record("tenant")))
	require.NoError(t, bus.SubscribeTenant("t2", "other-tenant", record("other-tenant")))
	require.NoError(t, bus.SubscribeInstance("t1", "i1", "instance", record("instance")))
	require.NoError(t, bus.SubscribeInstance("t1", "i2", "other-instance", record("other-instance")))

	bus.Publish(domain.NewEvent("t1", "i1", domain.EventQR, domain.QRPayload{InstanceID: "i1", QR: "Q1"}))

	assert.Equal(t, []string{"all", "type", "tenant", "instance"}, got)
}

func TestPublish_IsolatesFailingSubscribers(t *testing.T) {
	bus := New()
	var got []string

	require.NoError(t, bus.SubscribeAll("panics", func(ev domain.Event) error {
		panic("boom")
	}))
	require.NoError(t, bus.SubscribeAll("errors", func(ev domain.Event) error {
		return errors.New("nope")
	}))
	require.NoError(t, bus.SubscribeAll("ok", func(ev domain.Event) error {
		got = append(got, "ok")
		return nil
	}))
	require.NoError(t, bus.SubscribeType(domain.EventConnected, "typed", func(ev domain.Event) error {
		got = append(got, "typed")
		return nil
	}))

	assert.NotPanics(t, func() {
		bus.Publish(domain.NewEvent("t1", "i1", domain.EventConnected, nil))
	})
	sort.Strings(got)
	assert.Equal(t, []string{"ok", "typed"}, got)
}

func TestPublish_NoSubscribers(t *testing.T) {
	assert.NotPanics(t, func() {
		New().Publish(domain.NewEvent("", "", domain.EventQR, nil))
	})
}

func TestPublish_DeliversInSubscriptionOrderBeforeReturning(t *testing.T) {
	bus := New()
	var got []string
	for _, name := range []string{"recorder", "bridge", "metrics"} {
		name := name
		require.NoError(t, bus.SubscribeType(domain.EventMessageReceived, name, func(ev domain.Event) error {
			got = append(got, name)
			return nil
		}))
	}

	bus.Publish(domain.NewEvent("t1", "i1", domain.EventMessageReceived, nil))
	assert.Equal(t, []string{"recorder", "bridge", "metrics"}, got)
}
