// Package cache fronts trust responses with a TTL key-value store. Entries
// die only two ways: a worker deletes the key when a new event for the
// entity is ingested, or the TTL expires.
package cache

import (
	"context"
	"time"

	"github.com/fairlens/trustscope/backend/internal/models"
)

// Cache is the backend-agnostic contract shared by the Redis and in-memory
// implementations.
type Cache interface {
	// Get returns the stored payload and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const keyPrefix = "trust:v1:"

// Key builds the versioned cache key for an entity.
func Key(entity models.EntityRef) string {
	return keyPrefix + entity.Key()
}
