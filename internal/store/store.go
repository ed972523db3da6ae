// Package store provides the durable key-value persistence boundary for the
// sync engine. Values are strings; callers layer their own encoding on top.
// The store is assumed durable across process restarts but not transactional
// across multiple keys.
package store

import "context"

// Store is the generic key-value persistence interface
type Store interface {
	// Get returns the value for key and whether it exists
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes the value for key, replacing any previous value
	Set(ctx context.Context, key, value string) error

	// Delete removes the key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the store
	Close() error
}
