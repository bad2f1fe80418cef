package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/tabrelay"
)

// pingTimeout bounds the Redis reachability check in BuildStore.
const pingTimeout = 5 * time.Second

// Wiring holds the collaborators built from a Config. Close releases them.
type Wiring struct {
	Store     tabrelay.Store
	Transport tabrelay.Transport
	Options   []tabrelay.Option

	closers []func() error
}

// Close releases any clients opened by [Build].
func (w *Wiring) Close() error {
	var errs []error
	for _, c := range w.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build converts parsed configuration into the store, transport and agent
// options for one tab. The transport URL is required.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (*Wiring, error) {
	if cfg.Transport.URL == "" {
		return nil, errors.New("transport: url is required to run a tab")
	}

	w := &Wiring{}
	st, closer, err := BuildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	w.Store = st
	if closer != nil {
		w.closers = append(w.closers, closer)
	}

	w.Transport = tabrelay.NewWebSocketTransport(cfg.Transport.URL, logger)
	w.Options = BuildOptions(cfg, st, logger)
	return w, nil
}

// BuildStore opens the configured store. The returned closer, if non-nil,
// must be called once the store is no longer used.
func BuildStore(ctx context.Context, cfg *Config, logger *slog.Logger) (tabrelay.Store, func() error, error) {
	switch cfg.Store.Type {
	case StoreMemory, "":
		return tabrelay.NewMemoryBackend().Open(), nil, nil

	case StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Addr,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w: %w", cfg.Store.Addr, tabrelay.ErrStoreUnavailable, err)
		}

		return tabrelay.NewRedisStore(client, cfg.Namespace, logger), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// BuildOptions converts the agent settings of cfg into options.
func BuildOptions(cfg *Config, st tabrelay.Store, logger *slog.Logger) []tabrelay.Option {
	opts := []tabrelay.Option{
		tabrelay.WithStore(st),
		tabrelay.WithTimeout(cfg.Timeout.Duration()),
		tabrelay.WithLogger(logger),
	}
	if cfg.Namespace != "" {
		opts = append(opts, tabrelay.WithNamespace(cfg.Namespace))
	}
	return opts
}
