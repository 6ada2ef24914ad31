package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a HealthCache shared by every router pointed at the same server.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (HealthRecord, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return HealthRecord{}, false, nil
	}
	if err != nil {
		return HealthRecord{}, false, err
	}
	var rec HealthRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return HealthRecord{}, false, err
	}
	return rec, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, rec HealthRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, b, ttl).Err()
}
