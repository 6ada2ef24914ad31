package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// HealthRecord is the replication health of a replica. A nil LagSeconds
// means the lag is unknown.
type HealthRecord struct {
	Running    bool     `json:"running"`
	LagSeconds *float64 `json:"lagSeconds"`
}

// Lag returns a pointer to seconds, for building records.
func Lag(seconds float64) *float64 {
	return &seconds
}

// OK reports whether the replica is running and lags less than maxDelay.
// An unknown lag is accepted.
func (h HealthRecord) OK(maxDelay time.Duration) bool {
	if !h.Running {
		return false
	}
	if h.LagSeconds == nil {
		return true
	}
	return *h.LagSeconds < maxDelay.Seconds()
}

// HealthCache stores health records with a TTL. Implementations may be
// shared between processes; callers tolerate stale entries.
type HealthCache interface {
	// Get returns the record for key, and false when missing or expired.
	Get(ctx context.Context, key string) (HealthRecord, bool, error)
	Set(ctx context.Context, key string, rec HealthRecord, ttl time.Duration) error
}

// Key derives a stable cache key from connection parameters.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return "dblinker.replica-health." + hex.EncodeToString(sum[:])
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (HealthRecord, bool, error) {
	return HealthRecord{}, false, nil
}

func (Nop) Set(context.Context, string, HealthRecord, time.Duration) error {
	return nil
}
