package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"hookrelay/internal/logging"
)

const channelPrefix = "hookrelay:deliveries:"

// RedisBroker implements Broker over Redis Pub/Sub so every engine process
// sees changes made by the others.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan Change]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan Change]*redis.PubSub{}}, nil
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Subscribe(topic string) chan Change {
	ch := make(chan Change, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(topic))
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err == nil {
				select {
				case ch <- c:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying PubSub; the forwarding goroutine closes ch.
func (b *RedisBroker) Unsubscribe(_ string, ch chan Change) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(c Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, chanName(c.WebhookID), data)
	if c.WebhookID != AllTopic {
		pipe.Publish(ctx, chanName(AllTopic), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log := logging.NewLogger("events")
		log.Warn().Err(err).Str("delivery_id", c.DeliveryID).Msg("publish delivery change")
	}
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func chanName(topic string) string { return channelPrefix + topic }
