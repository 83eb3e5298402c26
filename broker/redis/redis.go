package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/watchsync/watchsync/broker"
)

// Config represents the Redis broker config structure.
type Config struct {
	Address  string        `koanf:"address"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`

	// Room events are published on Prefix + roomID.
	Prefix string `koanf:"prefix"`
}

// Redis is a Broker over Redis pub/sub.
type Redis struct {
	cfg Config
	rdb *redis.Client
}

// New connects to Redis and returns a broker.
func New(cfg Config) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "watchsync:events:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Redis{cfg: cfg, rdb: rdb}, nil
}

// Publish publishes data on the room's channel.
func (b *Redis) Publish(ctx context.Context, roomID string, data []byte) error {
	return b.rdb.Publish(ctx, b.cfg.Prefix+roomID, data).Err()
}

// Subscribe listens on every room channel until ctx is done.
func (b *Redis) Subscribe(ctx context.Context, fn broker.Handler) error {
	pubsub := b.rdb.PSubscribe(ctx, b.cfg.Prefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(strings.TrimPrefix(msg.Channel, b.cfg.Prefix), []byte(msg.Payload))
		}
	}
}

// Close closes the client.
func (b *Redis) Close() error {
	return b.rdb.Close()
}
