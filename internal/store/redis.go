package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// scanBatch is the COUNT hint passed to SCAN.
	scanBatch = 100

	subscribeTimeout = 5 * time.Second
)

// event is the Pub/Sub payload published after every effective write.
type event struct {
	Origin string `json:"origin"`
	Change
}

// RedisStore implements [Store] on top of Redis.
//
// Values are stored as plain string keys. After a write that changes a value,
// RedisStore publishes an event on its events channel tagged with a per-store
// origin id; watchers drop events carrying their own origin, so the writer is
// never notified of its own writes. Create one RedisStore per tab.
type RedisStore struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisStore creates a [RedisStore] that publishes change events on
// eventsChannel. The caller owns client and closes it when done.
func NewRedisStore(client redis.UniversalClient, eventsChannel string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:  client,
		channel: eventsChannel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Get implements [Store].
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements [Store].
//
// The read-then-write is not atomic. A concurrent writer may cause a
// redundant or a missed notification, which the coordination protocol
// tolerates.
func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	old, existed, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	if existed && old == value {
		return nil
	}
	return r.publish(ctx, Change{Key: key, Value: value})
}

// Remove implements [Store].
func (r *RedisStore) Remove(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	if n == 0 {
		return nil
	}
	return r.publish(ctx, Change{Key: key, Deleted: true})
}

// Keys implements [Store] using SCAN so large keyspaces do not block Redis.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"

	keys := make([]string, 0)
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %q: %w", pattern, err)
		}
		// SCAN may return a key more than once
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Watch implements [Store].
func (r *RedisStore) Watch() (<-chan Change, func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, r.channel)
	out := make(chan Change, watchBuffer)

	// wait for the subscription so no change published after Watch returns
	// is missed
	confirmCtx, cancelConfirm := context.WithTimeout(ctx, subscribeTimeout)
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		r.logger.Warn("redis subscribe not confirmed", "channel", r.channel, "error", err)
	}
	cancelConfirm()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c, accepted := r.accept(msg.Payload)
				if !accepted {
					continue
				}
				select {
				case out <- c:
				default:
					r.logger.Debug("store watcher full, dropping change", "key", c.Key)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			if err := pubsub.Close(); err != nil {
				r.logger.Debug("redis pubsub close failed", "error", err)
			}
			wg.Wait()
		})
	}
	return out, cancel
}

// publish announces c to other contexts.
func (r *RedisStore) publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(event{Origin: r.origin, Change: c})
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", r.channel, err)
	}
	return nil
}

// accept decodes an event payload and reports whether it came from another
// context.
func (r *RedisStore) accept(payload string) (Change, bool) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("ignoring malformed change event", "error", err)
		return Change{}, false
	}
	if ev.Origin == r.origin || ev.Key == "" {
		return Change{}, false
	}
	return ev.Change, true
}

// escapeGlob escapes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
