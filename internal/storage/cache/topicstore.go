package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error on a miss.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// SetNX never overwrites an existing key.
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// ErrStaleCache reports a write that reached the source of truth while the
// cache may still hold the previous active flag.
var ErrStaleCache = errors.New("topic cache may hold a stale active flag")

// CachedTopicStore is a decorator that caches the active flag of any
// TopicStore. Writes go to the source of truth first and are then written
// through; read misses fill with SETNX so a late fill cannot overwrite a
// newer write.
type CachedTopicStore struct {
	realStore dispatch.TopicStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedTopicStore(realStore dispatch.TopicStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTopicStore {
	return &CachedTopicStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTopicStore"),
	}
}

// --- READ PATH ---

func (s *CachedTopicStore) IsActive(ctx context.Context, name string) (bool, error) {
	key := s.cacheKey(name)

	var active bool
	if err := s.cache.Get(ctx, key, &active); err == nil {
		return active, nil
	}

	active, err := s.realStore.IsActive(ctx, name)
	if err != nil {
		return false, err
	}
	if _, err := s.cache.SetNX(ctx, key, active, s.ttl); err != nil {
		s.logger.Warn("Topic cache fill failed", "topic", name, "err", err)
	}
	return active, nil
}

// Get is not cached; only the active flag is hot.
func (s *CachedTopicStore) Get(ctx context.Context, name string) (dispatch.TopicRecord, error) {
	return s.realStore.Get(ctx, name)
}

// --- WRITE PATHS (write-through) ---

// EnsureActive tolerates a failed write-through: a stale inactive flag only
// blocks sends until it expires.
func (s *CachedTopicStore) EnsureActive(ctx context.Context, name string) error {
	if err := s.realStore.EnsureActive(ctx, name); err != nil {
		return err
	}
	if err := s.writeThrough(ctx, name, true); err != nil {
		s.logger.Error("Topic cache invalidation failed", "topic", name, "err", err)
	}
	return nil
}

// MarkDeleted fails with ErrStaleCache when the inactive flag could not be
// written and the key could not be dropped. The topic is deleted in the
// source of truth either way.
func (s *CachedTopicStore) MarkDeleted(ctx context.Context, name string) error {
	if err := s.realStore.MarkDeleted(ctx, name); err != nil {
		return err
	}
	if err := s.writeThrough(ctx, name, false); err != nil {
		s.logger.Error("Deleted topic may still read as active from cache", "topic", name, "err", err)
		return fmt.Errorf("topic %q deleted but %w: %v", name, ErrStaleCache, err)
	}
	return nil
}

// --- Helpers ---

// writeThrough falls back to deleting the key when the write fails, so the
// next read goes to the source of truth. It errors only when both fail.
func (s *CachedTopicStore) writeThrough(ctx context.Context, name string, active bool) error {
	key := s.cacheKey(name)
	setErr := s.cache.Set(ctx, key, active, s.ttl)
	if setErr == nil {
		return nil
	}
	s.logger.Warn("Topic cache write failed, invalidating", "topic", name, "err", setErr)
	if err := s.cache.Del(ctx, key); err != nil {
		return errors.Join(setErr, err)
	}
	return nil
}

func (s *CachedTopicStore) cacheKey(name string) string {
	return "dispatch:topic:active:" + name
}
