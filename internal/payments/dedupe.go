package payments

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers provider event ids so redelivered webhooks are
// applied once.
type EventDeduper interface {
	// Seen marks eventID and reports whether it was already marked.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Forget unmarks eventID so the provider's redelivery is applied.
	Forget(ctx context.Context, eventID string) error
}

// RedisDeduper tracks event ids in redis with a TTL, shared across replicas.
type RedisDeduper struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisDeduper(addr, password string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{
		Client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		TTL:    ttl,
	}
}

func (r *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	set, err := r.Client.SetNX(ctx, "webhook:event:"+eventID, 1, r.TTL).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (r *RedisDeduper) Forget(ctx context.Context, eventID string) error {
	return r.Client.Del(ctx, "webhook:event:"+eventID).Err()
}
