// Package kvstore provides the persistent key/value mirror that the blob index uses to survive restarts: every FileInfo and
// lock record the index keeps in memory is also written through to this
// store, so a freshly started process can rebuild its in-memory map by
// reading it back.
package kvstore

import "context"

// Store is the minimal persistence surface the blob index needs. It is
// deliberately narrow: a flat string keyspace plus a single reserved
// hash (used for the file pool).
type Store interface {
	// Get fetches the raw value stored at key. found is false if the key
	// does not exist.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores value at key, replacing anything already there.
	Set(ctx context.Context, key string, value string) error

	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key string) error

	// HashGetAll returns every field/value pair in the hash named key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashSet sets a single field within the hash named key.
	HashSet(ctx context.Context, key, field, value string) error

	// Close releases any underlying connection.
	Close() error
}

// FilePoolKey is the reserved hash key the blob index uses to persist
// which file IDs have been allocated. It is the one name application
// keys may not use.
const FilePoolKey = "__file_pool__"
