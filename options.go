package edgemon

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgemon/edgemon/config"
	"github.com/edgemon/edgemon/internal/prober"
	"github.com/edgemon/edgemon/internal/store"
)

// appConfig holds mutable state during App construction.
type appConfig struct {
	config    *config.Config
	logger    *slog.Logger
	prober    prober.Prober
	store     store.Store
	registry  *prometheus.Registry
	autostart bool
}

// Option is a function that configures an [App] instance during
// construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
//
// Built-in options: [WithConfig], [WithLogger], [WithProber],
// [WithStore], [WithRegistry], [WithAutostart].
type Option func(*appConfig) error

// WithConfig replaces the default configuration.
//
// The config should already be validated; use [config.Load] or
// [config.Parse] to build one from a YAML file.
//
// Example:
//
//	cfg, err := config.Load("edgemon.yaml")
//	if err != nil {
//	    ...
//	}
//	app, err := edgemon.New(edgemon.WithConfig(cfg))
//
// Returns an error if the config is nil.
func WithConfig(cfg *config.Config) Option {
	return func(ac *appConfig) error {
		if cfg == nil {
			return errors.New("config cannot be nil")
		}
		ac.config = cfg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the App.
//
// This controls where logs are written and in what format. If not
// specified, [slog.Default] is used.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
//	app, err := edgemon.New(edgemon.WithLogger(logger))
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(ac *appConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		ac.logger = logger
		return nil
	}
}

// WithProber replaces the exec prober adapter.
//
// This is mainly useful for tests and for embedding the engine with a
// different measurement backend. If not specified, the external
// scanner binary from the configuration is used.
//
// Returns an error if the prober is nil.
func WithProber(p prober.Prober) Option {
	return func(ac *appConfig) error {
		if p == nil {
			return errors.New("prober cannot be nil")
		}
		ac.prober = p
		return nil
	}
}

// WithStore replaces the SQLite store.
//
// The caller retains ownership of an injected store: the App will not
// close it. If not specified, the configured database file is opened
// per operation.
//
// Returns an error if the store is nil.
func WithStore(st store.Store) Option {
	return func(ac *appConfig) error {
		if st == nil {
			return errors.New("store cannot be nil")
		}
		ac.store = st
		return nil
	}
}

// WithRegistry sets the prometheus registry metrics are registered on.
//
// Use this to merge the engine's metrics into an existing registry.
// If not specified, a fresh registry is created and exposed on
// /metrics.
//
// Returns an error if the registry is nil.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(ac *appConfig) error {
		if reg == nil {
			return errors.New("registry cannot be nil")
		}
		ac.registry = reg
		return nil
	}
}

// WithAutostart controls whether [App.Start] begins periodic
// monitoring immediately.
//
// Defaults to true. With autostart disabled the monitor stays idle
// until started through the control API.
func WithAutostart(enabled bool) Option {
	return func(ac *appConfig) error {
		ac.autostart = enabled
		return nil
	}
}
