package event

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/metrics"
)

// Refresh reasons
const (
	ReasonWidgetUpdated = "widget.updated"
	ReasonDataCommitted = "data.committed"
	ReasonGraphChanged  = "graph.changed"
)

// RefreshEvent tells a widget viewer to re-fetch. It carries no rows.
type RefreshEvent struct {
	Type      string    `json:"type"`
	TenantID  uuid.UUID `json:"tenant_id"`
	WidgetID  string    `json:"widget_id"`
	Reason    string    `json:"reason"`
	Origin    string    `json:"origin,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Subscription is one viewer's stream of refresh events for a widget.
// Delivery is best-effort: events are dropped while C is full.
type Subscription struct {
	C <-chan RefreshEvent

	ch       chan RefreshEvent
	bus      *Bus
	channel  string
	id       uint64
	closeOne sync.Once
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOne.Do(func() { s.bus.unsubscribe(s) })
}

// Forwarder receives every locally published event.
type Forwarder func(evt RefreshEvent)

// Bus is an in-memory fan-out of refresh events keyed by tenant and widget.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*Subscription // channel → subscriptions
	nextID      uint64
	buffer      int
	forwarders  []Forwarder
	logger      *zap.SugaredLogger
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int, logger *zap.SugaredLogger) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subscribers: make(map[string]map[uint64]*Subscription),
		buffer:      buffer,
		logger:      logger,
	}
}

// channelFor returns "tenant:{id}:widget:{id}".
func channelFor(tenantID uuid.UUID, widgetID string) string {
	return "tenant:" + tenantID.String() + ":widget:" + widgetID
}

// Subscribe opens a subscription for one widget of one tenant.
func (b *Bus) Subscribe(tenantID uuid.UUID, widgetID string) *Subscription {
	ch := make(chan RefreshEvent, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, ch: ch, bus: b, channel: channelFor(tenantID, widgetID), id: b.nextID}
	if b.subscribers[sub.channel] == nil {
		b.subscribers[sub.channel] = make(map[uint64]*Subscription)
	}
	b.subscribers[sub.channel][sub.id] = sub
	metrics.NotifierSubscribers.Inc()
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[s.channel]
	if _, ok := subs[s.id]; !ok {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.subscribers, s.channel)
	}
	close(s.ch)
	metrics.NotifierSubscribers.Dec()
}

// Subscribers lists the widget ids of a tenant that have live viewers.
func (b *Bus) Subscribers(tenantID uuid.UUID) []string {
	prefix := "tenant:" + tenantID.String() + ":widget:"

	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for channel := range b.subscribers {
		if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
			ids = append(ids, channel[len(prefix):])
		}
	}
	sort.Strings(ids)
	return ids
}

// OnPublish registers a forwarder for locally published events.
func (b *Bus) OnPublish(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, f)
}

// Publish sends a refresh event for each widget to its local subscribers and
// to every forwarder.
func (b *Bus) Publish(tenantID uuid.UUID, widgetIDs []string, reason string) {
	now := time.Now().UnixMilli()
	for _, id := range widgetIDs {
		evt := RefreshEvent{Type: "refresh", TenantID: tenantID, WidgetID: id, Reason: reason, Timestamp: now}
		b.Deliver(evt)

		b.mu.RLock()
		forwarders := b.forwarders
		b.mu.RUnlock()
		for _, f := range forwarders {
			f(evt)
		}
	}
}

// Deliver hands evt to local subscribers only. Relays use it for events
// that originate on other replicas.
func (b *Bus) Deliver(evt RefreshEvent) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.logger.Debugw("Publishing refresh",
		"tenant_id", evt.TenantID,
		"widget_id", evt.WidgetID,
		"reason", evt.Reason,
	)

	for _, sub := range b.subscribers[channelFor(evt.TenantID, evt.WidgetID)] {
		select {
		case sub.ch <- evt:
		default:
			metrics.NotifierDropped.Inc()
			b.logger.Debugw("Dropped refresh for slow subscriber", "widget_id", evt.WidgetID)
		}
	}
}
