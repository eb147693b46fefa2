package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const broadcastChannel = "chat.broadcast"

// envelope is the wire format on the redis channel. Origin identifies the
// publishing instance so it can skip its own messages on the way back in.
type envelope struct {
	Origin  string          `json:"origin"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBridge mirrors chat broadcasts over a redis pub/sub channel.
type RedisBridge struct {
	rdb    *redis.Client
	origin string
	cancel context.CancelFunc
}

// NewRedisBridge connects to redis and verifies the connection.
func NewRedisBridge(ctx context.Context, addr string) (*RedisBridge, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisBridge{
		rdb:    rdb,
		origin: uuid.NewString(),
	}, nil
}

func (b *RedisBridge) Publish(ctx context.Context, roomID string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: b.origin, RoomID: roomID, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal bridge envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, broadcastChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Subscribe starts a goroutine relaying remote broadcasts into the handler.
// Messages this instance published are skipped.
func (b *RedisBridge) Subscribe(handler Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	sub := b.rdb.Subscribe(ctx, broadcastChannel)

	go func() {
		defer sub.Close()
		for msg := range sub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("Dropping malformed bridge envelope: %v", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			handler(env.RoomID, env.Payload)
		}
	}()
}

func (b *RedisBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.rdb.Close()
}
