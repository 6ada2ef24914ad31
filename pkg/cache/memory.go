package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/coocood/freecache"
)

// Memory is an in-process HealthCache.
type Memory struct {
	store *freecache.Cache
}

// NewMemory allocates a cache of size bytes. freecache enforces a 512KB floor.
func NewMemory(size int) *Memory {
	return &Memory{store: freecache.NewCache(size)}
}

func (m *Memory) Get(_ context.Context, key string) (HealthRecord, bool, error) {
	b, err := m.store.Get([]byte(key))
	if errors.Is(err, freecache.ErrNotFound) {
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

func (m *Memory) Set(_ context.Context, key string, rec HealthRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Set([]byte(key), b, expireSeconds(ttl))
}

// freecache expires on whole seconds and treats 0 as "never".
func expireSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	return int(math.Ceil(ttl.Seconds()))
}
