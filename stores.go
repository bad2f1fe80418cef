package tabrelay

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/tabrelay/internal/keyspace"
	"github.com/jpalmerr/tabrelay/internal/store"
)

// Store is the shared key-value store tabs coordinate through. See
// [WithStore] for how an agent uses it.
type Store = store.Store

// Change describes a key written or removed by another context.
type Change = store.Change

// MemoryBackend is an in-process [Store] backend. Call Open once per agent;
// each handle behaves as a separate tab.
type MemoryBackend = store.MemoryStore

// NewMemoryBackend creates an empty in-process backend.
//
// Example:
//
//	backend := tabrelay.NewMemoryBackend()
//	a, _ := tabrelay.New(transportA, tabrelay.WithStore(backend.Open()))
//	b, _ := tabrelay.New(transportB, tabrelay.WithStore(backend.Open()))
func NewMemoryBackend() *MemoryBackend {
	return store.NewMemoryStore()
}

// NewRedisStore returns a [Store] backed by Redis, for tabs running in
// separate processes. Change notifications travel over a Pub/Sub channel
// named namespace+"events". Create one store per agent; the caller owns
// client.
func NewRedisStore(client redis.UniversalClient, namespace string, logger *slog.Logger) Store {
	layout := keyspace.New(namespace)
	return store.NewRedisStore(client, layout.Prefix()+"events", logger)
}
