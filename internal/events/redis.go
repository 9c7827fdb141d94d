package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis implements Broker over Redis Pub/Sub so events reach subscribers on
// every API replica.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger

	mu  sync.Mutex
	pss map[chan Event]*redis.PubSub
}

func NewRedis(url string, log *zap.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisClient(redis.NewClient(opt), log), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, log: log, pss: map[chan Event]*redis.PubSub{}}
}

func (b *Redis) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *Redis) Subscribe(key string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, key)
	// wait for the subscription confirmation so an immediate Publish is not lost
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe failed", zap.String("key", key), zap.Error(err))
	}
	b.mu.Lock()
	b.pss[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn("redis event decode failed", zap.String("key", key), zap.Error(err))
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub connection; ch is closed once its reader drains.
func (b *Redis) Unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	ps := b.pss[ch]
	delete(b.pss, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(key string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, key, data).Err(); err != nil {
		b.log.Warn("redis publish failed", zap.String("key", key), zap.Error(err))
	}
}

func (b *Redis) Close() error { return b.rdb.Close() }
