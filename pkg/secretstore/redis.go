package secretstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps secrets as TTL keys under a prefix
type Redis struct {
	client redis.Cmdable
	prefix string
}

// NewRedis creates a store on client. prefix namespaces every key.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Save implements SecretStore
func (r *Redis) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Load implements SecretStore
func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Clear implements SecretStore
func (r *Redis) Clear(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
