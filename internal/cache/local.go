package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LocalCache stores one JSON file per key under a directory.
type LocalCache struct {
	mu  sync.RWMutex
	dir string
}

// NewLocalCache creates a file cache rooted at dir. An empty dir disables
// caching: Get always misses and Set is a no-op.
func NewLocalCache(dir string) *LocalCache {
	return &LocalCache{dir: dir}
}

func (c *LocalCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *LocalCache) Get(_ context.Context, key string) (*Entry, error) {
	if c.dir == "" {
		return nil, nil
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	return &entry, nil
}

func (c *LocalCache) Set(_ context.Context, key string, entry *Entry) error {
	if c.dir == "" {
		return nil
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	// temp file + rename keeps readers from seeing a partial write
	target := c.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Close is a no-op for local cache.
func (c *LocalCache) Close() error {
	return nil
}
