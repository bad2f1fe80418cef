package store

import "context"

// watchBuffer is the channel capacity given to every watcher.
const watchBuffer = 256

// Change describes a key that was written or removed by another context.
type Change struct {
	// Key is the full, namespaced key.
	Key string `json:"key"`

	// Value is the new value. Empty when Deleted is true.
	Value string `json:"value"`

	// Deleted reports whether the key was removed.
	Deleted bool `json:"deleted"`
}

// Store is a cross-context key-value store with change notifications.
//
// Store implementations must be safe for concurrent access. Reads and writes
// are synchronous; notifications reach other contexts asynchronously and are
// never delivered to the context that made the write.
type Store interface {
	// Get returns the value for key. ok is false if the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes value under key. Other contexts are notified if the stored
	// value changed.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns every key that starts with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Watch returns a channel of changes made by other contexts and a cancel
	// function that stops delivery and closes the channel. Cancel is safe to
	// call more than once.
	Watch() (<-chan Change, func())
}
