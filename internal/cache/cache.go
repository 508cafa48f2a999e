// Package cache is the key-value store shared by workflow instances: the
// singleton lock, rate-limit metrics and published artifacts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiracore/devpulse/internal/db"
)

// Well-known keys.
const (
	KeyLock             = "lock"
	KeyRateLimitMetrics = "rate-limit-metrics"
	KeySkillsContent    = "ai-skills-content"
	KeyProfileSummary   = "ai-profile-summary"
	KeySkillsState      = "ai-skills-state"
)

// Store is a JSON get/put-with-TTL store.
type Store interface {
	// Get decodes the value under key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	// Put stores value under key. A zero ttl never expires.
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SQLite stores entries in the cache_entries table.
type SQLite struct {
	db  *db.DB
	now func() time.Time
}

// NewSQLite returns a Store backed by database.
func NewSQLite(database *db.DB) *SQLite {
	return &SQLite{db: database, now: time.Now}
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, ok, err := s.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode cache key %q: %w", key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON document under key.
func (s *SQLite) GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	entry, err := s.db.GetCacheEntry(ctx, key, s.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache key %q: %w", key, err)
	}
	return json.RawMessage(entry.Value), true, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache key %q: %w", key, err)
	}
	var expires *time.Time
	if ttl > 0 {
		t := s.now().Add(ttl)
		expires = &t
	}
	return s.db.PutCacheEntry(ctx, key, string(data), expires)
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	return s.db.DeleteCacheEntry(ctx, key)
}

// Purge removes expired entries.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	return s.db.PurgeExpiredCache(ctx, s.now())
}
