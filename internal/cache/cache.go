// Package cache keeps fetched upstream data between runs so a restart does
// not have to hit the backend again. Local (file) and Redis backends are
// supported; Redis lets several instances share one copy.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entry is one cached document.
type Entry struct {
	Key       string          `json:"key"`
	FetchedAt time.Time       `json:"fetched_at"`
	Data      json.RawMessage `json:"data"`
}

// Fresh reports whether e was fetched less than maxAge before now.
// A non-positive maxAge never expires.
func (e *Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	if e == nil {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return now.Sub(e.FetchedAt) < maxAge
}

// Cache defines keyed storage for entries.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns nil, nil when key is not cached.
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Close() error
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key is empty")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}
