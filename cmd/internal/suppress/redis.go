package suppress

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Guard backed by Redis keys with a PX expiry, shared across
// server instances.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis constructs a Redis guard. Keys are stored as prefix + "suppress:" + key.
func NewRedis(client redis.UniversalClient, prefix string) (*Redis, error) {
	if client == nil {
		return nil, errors.New("suppress: redis client is required")
	}
	if prefix == "" {
		prefix = "sessiongate:"
	}
	return &Redis{client: client, prefix: prefix + "suppress:"}, nil
}

func (r *Redis) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return errors.New("suppress: empty key")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return r.client.Set(ctx, r.prefix+key, "1", ttl).Err()
}

func (r *Redis) Active(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Clear(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

var _ Guard = (*Redis)(nil)
