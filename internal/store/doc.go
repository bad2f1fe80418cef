// Package store provides the shared key-value store that tabs coordinate through.
//
// This package is internal to tabrelay. It defines the [Store] contract and
// two implementations:
//
//   - [MemoryStore]: one in-process backend shared by many handles. Each handle
//     returned by [MemoryStore.Open] is a separate context.
//   - [RedisStore]: plain Redis keys plus a Pub/Sub channel for change
//     notifications, so tabs can live in different processes or hosts.
//
// Both implementations notify only contexts other than the writer, and only
// when a value actually changes. Notifications are best-effort: a watcher
// whose buffer is full misses the change rather than blocking the writer.
package store
