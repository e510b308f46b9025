package event

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesOnlyMatchingSubscribers(t *testing.T) {
	bus := NewBus(4, zap.NewNop().Sugar())
	tenantA, tenantB := uuid.New(), uuid.New()

	sub := bus.Subscribe(tenantA, "w1")
	defer sub.Close()
	other := bus.Subscribe(tenantB, "w1")
	defer other.Close()

	bus.Publish(tenantA, []string{"w1", "w2"}, ReasonDataCommitted)

	select {
	case evt := <-sub.C:
		assert.Equal(t, "refresh", evt.Type)
		assert.Equal(t, "w1", evt.WidgetID)
		assert.Equal(t, tenantA, evt.TenantID)
		assert.Equal(t, ReasonDataCommitted, evt.Reason)
		assert.NotZero(t, evt.Timestamp)
	default:
		t.Fatal("expected a refresh event")
	}
	assert.Empty(t, other.C, "same widget id of another tenant must not be notified")
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus(4, zap.NewNop().Sugar())
	tenantID := uuid.New()
	sub := bus.Subscribe(tenantID, "w1")
	assert.Equal(t, []string{"w1"}, bus.Subscribers(tenantID))

	sub.Close()
	sub.Close()
	_, open := <-sub.C
	assert.False(t, open)
	assert.Empty(t, bus.Subscribers(tenantID))

	assert.NotPanics(t, func() { bus.Publish(tenantID, []string{"w1"}, ReasonWidgetUpdated) })
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus(1, zap.NewNop().Sugar())
	tenantID := uuid.New()
	sub := bus.Subscribe(tenantID, "w1")
	defer sub.Close()

	for range 3 {
		bus.Publish(tenantID, []string{"w1"}, ReasonWidgetUpdated)
	}
	assert.Len(t, sub.C, 1)
}

func TestForwardersSeeLocalPublishesOnly(t *testing.T) {
	bus := NewBus(4, zap.NewNop().Sugar())
	var forwarded []RefreshEvent
	bus.OnPublish(func(evt RefreshEvent) { forwarded = append(forwarded, evt) })

	tenantID := uuid.New()
	bus.Publish(tenantID, []string{"a", "b"}, ReasonGraphChanged)
	bus.Deliver(RefreshEvent{Type: "refresh", TenantID: tenantID, WidgetID: "c"})

	require.Len(t, forwarded, 2)
	assert.Equal(t, "b", forwarded[1].WidgetID)
}

func TestRelayReceive(t *testing.T) {
	bus := NewBus(4, zap.NewNop().Sugar())
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()
	relay := NewRedisRelay(client, bus, zap.NewNop().Sugar())

	tenantID := uuid.New()
	sub := bus.Subscribe(tenantID, "w1")
	defer sub.Close()

	message := func(evt RefreshEvent, channel string) *redis.Message {
		payload, err := json.Marshal(evt)
		require.NoError(t, err)
		return &redis.Message{Channel: channel, Payload: string(payload)}
	}
	remote := RefreshEvent{Type: "refresh", TenantID: tenantID, WidgetID: "w1", Reason: ReasonDataCommitted, Origin: "other-replica"}

	relay.receive(message(RefreshEvent{Type: "refresh", TenantID: tenantID, WidgetID: "w1", Origin: relay.Origin()}, channelPrefix+tenantID.String()))
	assert.Empty(t, sub.C, "own messages are ignored")

	relay.receive(message(remote, channelPrefix+uuid.NewString()))
	assert.Empty(t, sub.C, "tenant in payload must match channel")

	relay.receive(&redis.Message{Channel: channelPrefix + tenantID.String(), Payload: "{not json"})
	assert.Empty(t, sub.C)

	relay.receive(message(remote, channelPrefix+tenantID.String()))
	require.Len(t, sub.C, 1)
	assert.Equal(t, ReasonDataCommitted, (<-sub.C).Reason)
}

func TestRelayQueuesLocalPublishes(t *testing.T) {
	bus := NewBus(4, zap.NewNop().Sugar())
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()
	relay := NewRedisRelay(client, bus, zap.NewNop().Sugar())

	bus.Publish(uuid.New(), []string{"w1"}, ReasonWidgetUpdated)
	assert.Len(t, relay.queue, 1)
}
