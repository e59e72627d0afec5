// Package adapterregistry is a table-driven dispatch for constructing
// adapters by their configured type string, mirroring the explicit
// map[string]Factory registration pattern used elsewhere in this project
// (e.g. the tool registry) rather than reflection-based auto-discovery.
// Each adapter package registers itself from an init() function.
package adapterregistry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ff-fab/lumehaven/internal/adapter"
	"github.com/ff-fab/lumehaven/internal/lumeerr"
)

// Config is the adapter-agnostic configuration passed to a Factory. Not
// every field applies to every adapter type; a Factory ignores what it
// doesn't need.
type Config struct {
	Type   string
	Name   string
	Prefix string
	URL    string
	Tag    string
	Token  string
}

// Factory constructs an Adapter from a Config.
type Factory func(cfg Config, logger *slog.Logger) (adapter.Adapter, error)

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register associates an adapter type name with its Factory. Intended to
// be called from an adapter package's init().
func Register(adapterType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[adapterType] = f
}

// Build looks up cfg.Type's Factory and constructs an adapter. Returns a
// *lumeerr.ConfigError if the type is unregistered.
func Build(cfg Config, logger *slog.Logger) (adapter.Adapter, error) {
	mu.Lock()
	f, ok := factories[cfg.Type]
	mu.Unlock()
	if !ok {
		return nil, &lumeerr.ConfigError{Detail: fmt.Sprintf("unknown adapter type %q", cfg.Type)}
	}
	return f(cfg, logger)
}
