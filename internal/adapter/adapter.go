// Package adapter defines the contract every upstream smart-home driver
// implements, so the manager can supervise them uniformly regardless of
// upstream system.
package adapter

import (
	"context"

	"github.com/ff-fab/lumehaven/internal/signal"
)

// Adapter is a driver for one upstream smart-home controller.
//
// Snapshot and Subscribe may both be called repeatedly across reconnects;
// implementations must tolerate being re-entered after a prior Subscribe
// call ended (normally or via error).
type Adapter interface {
	// Name is this adapter instance's configured, unique identifier.
	Name() string
	// Type names the upstream system kind, e.g. "openhab" or "homeassistant".
	Type() string
	// Prefix namespaces this adapter's signal IDs.
	Prefix() string

	// Snapshot fetches every tracked item once and returns a Signal per
	// item, keyed by signal ID. Returns a *lumeerr.ConnectionFailure on
	// transport error.
	Snapshot(ctx context.Context) (map[string]signal.Signal, error)

	// Subscribe opens the upstream's live-event stream and sends a Signal
	// to out for every state change of a tracked item. It blocks until ctx
	// is cancelled, the upstream closes the stream, or a transport error
	// occurs, in which case it returns a *lumeerr.ConnectionFailure. A
	// clean upstream close returns nil.
	Subscribe(ctx context.Context, out chan<- signal.Signal) error

	// Close releases any held connections or resources. Idempotent.
	Close() error
	// Connected reports whether the adapter currently believes it has a
	// live connection. Cheap, in-memory, no I/O.
	Connected() bool
}
