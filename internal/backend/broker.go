package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DeliverFunc receives a frame published to room by any instance.
type DeliverFunc func(room string, frame []byte)

// Broker fans room frames out to every backend instance, including the sender.
type Broker interface {
	Publish(ctx context.Context, room string, frame []byte) error
	// Subscribe registers fn before returning. The returned func unsubscribes.
	Subscribe(ctx context.Context, fn DeliverFunc) (func(), error)
}

// LocalBroker delivers in process. It is enough for a single instance.
type LocalBroker struct {
	mu   sync.RWMutex
	next int
	subs map[int]DeliverFunc
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[int]DeliverFunc)}
}

func (b *LocalBroker) Publish(_ context.Context, room string, frame []byte) error {
	b.mu.RLock()
	subs := make([]DeliverFunc, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(room, frame)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, fn DeliverFunc) (func(), error) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

const redisChannel = "chatsync:rooms"

type redisEnvelope struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RedisBroker shares rooms between instances over one pub/sub channel.
type RedisBroker struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedisBroker(client *redis.Client, log *logrus.Entry) *RedisBroker {
	return &RedisBroker{client: client, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, room string, frame []byte) error {
	payload, err := json.Marshal(redisEnvelope{Room: room, Frame: frame})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, fn DeliverFunc) (func(), error) {
	pubsub := b.client.Subscribe(ctx, redisChannel)
	// Wait for the confirmation so nothing published after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("backend: subscribe %s: %w", redisChannel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.WithError(err).Warn("dropping malformed broker payload")
				continue
			}
			fn(env.Room, env.Frame)
		}
	}()

	return func() {
		_ = pubsub.Close()
		<-done
	}, nil
}
