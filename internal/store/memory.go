package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process backend shared by any number of contexts.
//
// MemoryStore itself is not a [Store]; call [MemoryStore.Open] once per
// context (tab) to get a handle. A write through one handle notifies the
// watchers of every other handle, never its own, which mirrors how a browser
// storage event reaches other tabs but not the writer.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string

	subMu    sync.RWMutex
	watchers map[chan Change]*MemoryHandle
}

// NewMemoryStore creates an empty backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]string),
		watchers: make(map[chan Change]*MemoryHandle),
	}
}

// Open returns a new context attached to this backend.
func (m *MemoryStore) Open() *MemoryHandle {
	return &MemoryHandle{backend: m}
}

// Snapshot returns a copy of every stored key and value.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// notify sends c to every watcher not owned by origin. Callers hold mu so
// watchers see changes in write order. Sends are non-blocking: a full
// watcher misses the change.
func (m *MemoryStore) notify(origin *MemoryHandle, c Change) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch, owner := range m.watchers {
		if owner == origin {
			continue
		}
		select {
		case ch <- c:
		default:
		}
	}
}

// MemoryHandle is one context's view of a [MemoryStore]. It implements [Store].
type MemoryHandle struct {
	backend *MemoryStore
}

// Get implements [Store].
func (h *MemoryHandle) Get(_ context.Context, key string) (string, bool, error) {
	h.backend.mu.RLock()
	defer h.backend.mu.RUnlock()

	v, ok := h.backend.values[key]
	return v, ok, nil
}

// Set implements [Store]. Writing the value a key already holds is silent.
func (h *MemoryHandle) Set(_ context.Context, key, value string) error {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()

	old, existed := h.backend.values[key]
	h.backend.values[key] = value
	if existed && old == value {
		return nil
	}
	h.backend.notify(h, Change{Key: key, Value: value})
	return nil
}

// Remove implements [Store].
func (h *MemoryHandle) Remove(_ context.Context, key string) error {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()

	_, existed := h.backend.values[key]
	delete(h.backend.values, key)
	if existed {
		h.backend.notify(h, Change{Key: key, Deleted: true})
	}
	return nil
}

// Keys implements [Store].
func (h *MemoryHandle) Keys(_ context.Context, prefix string) ([]string, error) {
	h.backend.mu.RLock()
	defer h.backend.mu.RUnlock()

	keys := make([]string, 0)
	for k := range h.backend.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Watch implements [Store].
func (h *MemoryHandle) Watch() (<-chan Change, func()) {
	ch := make(chan Change, watchBuffer)

	h.backend.subMu.Lock()
	h.backend.watchers[ch] = h
	h.backend.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.backend.subMu.Lock()
			delete(h.backend.watchers, ch)
			close(ch)
			h.backend.subMu.Unlock()
		})
	}
	return ch, cancel
}
