package event

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "flowforge:refresh:"

// RedisRelay mirrors refresh events between replicas through Redis pub/sub.
type RedisRelay struct {
	client redis.UniversalClient
	bus    *Bus
	origin string
	queue  chan RefreshEvent
	logger *zap.SugaredLogger
}

// NewRedisRelay attaches a relay to bus. Nothing is sent or received until
// Run is called.
func NewRedisRelay(client redis.UniversalClient, bus *Bus, logger *zap.SugaredLogger) *RedisRelay {
	r := &RedisRelay{
		client: client,
		bus:    bus,
		origin: uuid.New().String(),
		queue:  make(chan RefreshEvent, 256),
		logger: logger,
	}
	bus.OnPublish(r.enqueue)
	return r
}

// Origin identifies this replica on the wire.
func (r *RedisRelay) Origin() string { return r.origin }

func (r *RedisRelay) enqueue(evt RefreshEvent) {
	select {
	case r.queue <- evt:
	default:
		r.logger.Warnw("Relay queue full, dropping refresh", "widget_id", evt.WidgetID)
	}
}

// Run publishes queued local events and delivers remote ones until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Infow("Refresh relay started", "origin", r.origin)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Refresh relay stopped")
			return nil
		case evt := <-r.queue:
			r.publish(ctx, evt)
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.receive(msg)
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, evt RefreshEvent) {
	evt.Origin = r.origin
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Errorw("Failed to encode refresh", "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.client.Publish(pubCtx, channelPrefix+evt.TenantID.String(), payload).Err(); err != nil {
		r.logger.Warnw("Failed to relay refresh", "widget_id", evt.WidgetID, "error", err)
	}
}

func (r *RedisRelay) receive(msg *redis.Message) {
	var evt RefreshEvent
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		r.logger.Warnw("Discarding malformed refresh", "channel", msg.Channel, "error", err)
		return
	}
	if evt.Origin == r.origin {
		return
	}
	if strings.TrimPrefix(msg.Channel, channelPrefix) != evt.TenantID.String() {
		r.logger.Warnw("Discarding refresh published on another tenant's channel", "channel", msg.Channel)
		return
	}
	r.bus.Deliver(evt)
}
