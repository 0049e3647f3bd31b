// Package cache implements the on-device entitlement cache: the last known
// entitlement snapshot plus a freshness timestamp, persisted as a single
// JSON file so the UI has an instant answer at startup.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTTL is how long a cached entry is considered fresh.
const DefaultTTL = time.Hour

// Entry is the cached entitlement snapshot.
type Entry struct {
	IsAdFree    bool      `json:"isAdFree"`
	LastChecked time.Time `json:"lastChecked"`
}

// FileCache persists the entitlement snapshot at a fixed path.
// Single-writer per device process; reads are cheap and lock-free on disk.
type FileCache struct {
	path string
	ttl  time.Duration
	now  func() time.Time
	mu   sync.RWMutex
}

// New creates a file-backed cache rooted at dataDir.
func New(dataDir string, ttl time.Duration) *FileCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileCache{
		path: filepath.Join(dataDir, "entitlement-cache.json"),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get returns the cached entry. Missing or empty files are treated as
// "no entry yet" and return ok=false.
func (c *FileCache) Get() (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read entitlement cache: %w", err)
	}
	if len(data) == 0 {
		return Entry{}, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode entitlement cache: %w", err)
	}
	return entry, true, nil
}

// Set overwrites the cached entry atomically.
func (c *FileCache) Set(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entitlement cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp entitlement cache: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit entitlement cache: %w", err)
	}
	return nil
}

// Fresh reports whether an entry is within the cache TTL. Staleness is
// advisory: callers still serve stale entries immediately and refresh in
// the background.
func (c *FileCache) Fresh(entry Entry) bool {
	return c.now().Sub(entry.LastChecked) < c.ttl
}
