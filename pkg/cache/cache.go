// Package cache provides a generic, thread-safe TTL cache used for
// short-lived bookkeeping such as the recent-notification store. Entries
// are overwritten in place on Set (last write wins) and expire after a
// configurable time-to-live.
package cache

import (
	"time"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
)

// Cache represents a generic cache interface parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found
	// and not expired, zero value and false otherwise.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry
	// was created, false if an existing entry was overwritten.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of live entries.
	Size() int

	// Keys returns all keys currently in the cache.
	Keys() []string

	// Close shuts down the cache and releases background resources.
	Close() error
}

// Entry holds a cached value with its bookkeeping metadata.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	ExpiresAt *time.Time // nil means no expiration
}

// IsExpired checks if the entry has expired based on the current time.
func (e *Entry[V]) IsExpired() bool {
	if e.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*e.ExpiresAt)
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
