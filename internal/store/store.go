// Package store implements the authoritative in-memory Signal map and its
// bounded-queue pub/sub fan-out bus. Every mutation of signals or
// subscribers is serialized by a single mutex; publish never blocks on a
// slow subscriber.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ff-fab/lumehaven/internal/signal"
)

// Defaults for runtime knobs, overridable via configuration.
const (
	DefaultSubscriberQueueSize = 10000
	DefaultDropLogInterval     = 10 * time.Second
)

// Subscriber is a handle to one bounded queue on the store's fan-out bus.
// The zero value is not usable; obtain one from Store.Subscribe.
type Subscriber struct {
	ch chan signal.Signal
}

// C returns the channel to range or select over for delivered signals. It
// is closed when the subscriber is released.
func (s *Subscriber) C() <-chan signal.Signal { return s.ch }

type dropRecord struct {
	pending   int
	lastLogAt time.Time
}

// Metrics is the JSON-serializable snapshot returned by Store.Metrics.
type Metrics struct {
	Subscribers struct {
		Total int `json:"total"`
		Slow  int `json:"slow"`
	} `json:"subscribers"`
	Signals struct {
		Stored int `json:"stored"`
	} `json:"signals"`
}

// Store is the authoritative signal map plus subscriber fan-out bus.
type Store struct {
	mu              sync.Mutex
	signals         map[string]signal.Signal
	subs            map[*Subscriber]struct{}
	dropStats       map[*Subscriber]dropRecord
	queueSize       int
	dropLogInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// New creates an empty Store. queueSize and dropLogInterval fall back to
// the package defaults when zero.
func New(queueSize int, dropLogInterval time.Duration, logger *slog.Logger) *Store {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueueSize
	}
	if dropLogInterval <= 0 {
		dropLogInterval = DefaultDropLogInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		signals:         make(map[string]signal.Signal),
		subs:            make(map[*Subscriber]struct{}),
		dropStats:       make(map[*Subscriber]dropRecord),
		queueSize:       queueSize,
		dropLogInterval: dropLogInterval,
		logger:          logger,
		now:             time.Now,
	}
}

// GetAll returns a snapshot copy of every stored signal. Mutating the
// returned map does not affect the store.
func (st *Store) GetAll() map[string]signal.Signal {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]signal.Signal, len(st.signals))
	for k, v := range st.signals {
		out[k] = v
	}
	return out
}

// Get returns the signal stored under id, if any.
func (st *Store) Get(id string) (signal.Signal, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.signals[id]
	return s, ok
}

// Set stores or replaces a single signal. No subscriber is notified; use
// Publish for that.
func (st *Store) Set(s signal.Signal) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.signals[s.ID] = s
}

// SetMany atomically stores or replaces multiple signals. No subscriber is
// notified; this is a snapshot-seeding operation.
func (st *Store) SetMany(signals map[string]signal.Signal) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for k, v := range signals {
		st.signals[k] = v
	}
	st.logger.Debug("stored signals", "count", len(signals))
}

// Subscribe registers a new subscriber and returns its handle. Eager
// registration (before the caller starts consuming) keeps subscriber
// counts accurate even if the caller has not yet begun reading.
func (st *Store) Subscribe() *Subscriber {
	st.mu.Lock()
	defer st.mu.Unlock()
	sub := &Subscriber{ch: make(chan signal.Signal, st.queueSize)}
	st.subs[sub] = struct{}{}
	st.logger.Debug("registered subscriber", "total", len(st.subs))
	return sub
}

// Release unregisters a subscriber and closes its channel. Idempotent:
// releasing an already-released subscriber is a no-op.
func (st *Store) Release(sub *Subscriber) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub]; !ok {
		return
	}
	delete(st.subs, sub)
	delete(st.dropStats, sub)
	close(sub.ch)
	st.logger.Debug("unregistered subscriber", "total", len(st.subs))
}

// Publish stores s and fans it out to every current subscriber's bounded
// queue via a non-blocking send. A subscriber whose queue is full has the
// signal dropped for it alone; other subscribers are unaffected, and the
// drop is accounted via the throttled drop logger.
func (st *Store) Publish(s signal.Signal) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.signals[s.ID] = s

	for sub := range st.subs {
		select {
		case sub.ch <- s:
			delete(st.dropStats, sub)
		default:
			st.logDropThrottled(sub, s.ID)
		}
	}
}

// logDropThrottled implements the first-drop-logs-immediately,
// subsequent-drops-within-interval-suppressed rule: the first overflow for
// a subscriber logs immediately; later overflows accumulate silently until
// dropLogInterval elapses, at which point a summary is logged and the
// counter resets.
func (st *Store) logDropThrottled(sub *Subscriber, signalID string) {
	now := st.now()

	rec, seen := st.dropStats[sub]
	if !seen {
		st.logger.Warn("subscriber queue full, dropping update", "signal_id", signalID)
		st.dropStats[sub] = dropRecord{pending: 0, lastLogAt: now}
		return
	}

	rec.pending++
	if now.Sub(rec.lastLogAt) >= st.dropLogInterval {
		st.logger.Warn("subscriber queue full, dropped updates",
			"count", rec.pending,
			"interval", st.dropLogInterval,
			"latest_signal_id", signalID,
		)
		st.dropStats[sub] = dropRecord{pending: 0, lastLogAt: now}
		return
	}
	st.dropStats[sub] = rec
}

// SubscriberCount returns the number of active subscribers.
func (st *Store) SubscriberCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// Metrics returns a structured snapshot of store state for dashboards and
// health checks.
func (st *Store) Metrics() Metrics {
	st.mu.Lock()
	defer st.mu.Unlock()
	var m Metrics
	m.Subscribers.Total = len(st.subs)
	m.Subscribers.Slow = len(st.dropStats)
	m.Signals.Stored = len(st.signals)
	return m
}
