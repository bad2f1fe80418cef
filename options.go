package tabrelay

import (
	"errors"
	"log/slog"
	"time"
)

// agentConfig holds mutable state during Agent construction.
type agentConfig struct {
	namespace string
	store     Store
	timeout   time.Duration
	tabID     int64
	logger    *slog.Logger
}

// Option is a function that configures an [Agent] during construction.
//
// Option implements the functional options pattern. Options return an error
// if validation fails.
//
// Built-in options: [WithStore], [WithNamespace], [WithTimeout],
// [WithTabID], [WithLogger].
type Option func(*agentConfig) error

// WithStore sets the shared store the agent coordinates through. It is
// required: without a working store no agent is built.
//
// Example:
//
//	backend := tabrelay.NewMemoryBackend()
//	agent, err := tabrelay.New(transport, tabrelay.WithStore(backend.Open()))
//
// Returns an error if s is nil.
func WithStore(s Store) Option {
	return func(cfg *agentConfig) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		cfg.store = s
		return nil
	}
}

// WithNamespace sets the key prefix shared by all cooperating tabs.
// Tabs only coordinate with tabs using the same namespace. Defaults to "live_".
//
// Returns an error if prefix is empty.
func WithNamespace(prefix string) Option {
	return func(cfg *agentConfig) error {
		if prefix == "" {
			return errors.New("namespace cannot be empty")
		}
		cfg.namespace = prefix
		return nil
	}
}

// WithTimeout sets the liveness timeout. A tab whose heartbeat is older than
// d is considered gone. Heartbeats are written every d/2.
// Defaults to 2 seconds.
//
// Returns an error if d is shorter than 2ms.
func WithTimeout(d time.Duration) Option {
	return func(cfg *agentConfig) error {
		if d < 2*time.Millisecond {
			return errors.New("timeout must be at least 2ms")
		}
		cfg.timeout = d
		return nil
	}
}

// WithTabID fixes the tab id instead of drawing a random one. Ids decide
// elections (smallest wins) and must be unique among live tabs.
//
// Returns an error if id is not positive.
func WithTabID(id int64) Option {
	return func(cfg *agentConfig) error {
		if id <= 0 {
			return errors.New("tab id must be positive")
		}
		cfg.tabID = id
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the agent.
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *agentConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// handlerConfig holds per-handler registration settings.
type handlerConfig struct {
	namespace string
}

// HandlerOption configures a handler registered with [Agent.On].
type HandlerOption func(*handlerConfig)

// WithHandlerNamespace tags a handler so that every handler with the same
// tag can be removed at once:
//
//	agent.On("news", render, tabrelay.WithHandlerNamespace("ui"))
//	agent.Off("news", tabrelay.HandlerRef{Namespace: "ui"})
func WithHandlerNamespace(ns string) HandlerOption {
	return func(hc *handlerConfig) {
		hc.namespace = ns
	}
}
