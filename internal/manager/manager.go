// Package manager supervises any number of adapter.Adapter instances
// independently: it loads each adapter's initial snapshot into the store,
// runs a live-event "pump" goroutine per connected adapter, and reconnects
// with exponential backoff when an adapter's connection drops.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ff-fab/lumehaven/internal/adapter"
	"github.com/ff-fab/lumehaven/internal/lumeerr"
	"github.com/ff-fab/lumehaven/internal/signal"
	"github.com/ff-fab/lumehaven/internal/store"
)

// Backoff defaults for the reconnect schedule, per adapter.
const (
	DefaultInitialRetryDelay = 5 * time.Second
	DefaultMaxRetryDelay     = 300 * time.Second
	DefaultBackoffFactor     = 2.0
)

// pumpEventBuffer bounds how far an adapter's Subscribe goroutine can run
// ahead of the pump's store.Publish calls for that adapter's live events.
const pumpEventBuffer = 64

// AdapterStatus is the read-only, JSON-serializable view of one adapter's
// current state, used by the health endpoint and the adapters listing.
type AdapterStatus struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

type adapterState struct {
	adapter adapter.Adapter

	mu           sync.Mutex
	connected    bool
	lastError    string
	retryDelay   time.Duration
	retryPending bool
}

func (s *adapterState) status() AdapterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AdapterStatus{Name: s.adapter.Name(), Type: s.adapter.Type(), Connected: s.connected}
}

func (s *adapterState) setConnected() {
	s.mu.Lock()
	s.connected = true
	s.lastError = ""
	s.mu.Unlock()
}

func (s *adapterState) setDisconnected(errMsg string) {
	s.mu.Lock()
	s.connected = false
	s.lastError = errMsg
	s.mu.Unlock()
}

// Manager supervises a set of adapters. The zero value is not usable; use
// New.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
	backoffFactor     float64

	mu       sync.Mutex
	adapters map[string]*adapterState
	order    []string

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// Option configures a Manager built by New.
type Option func(*Manager)

// WithRetryConstants overrides the default backoff schedule.
func WithRetryConstants(initial, max time.Duration, factor float64) Option {
	return func(m *Manager) {
		m.initialRetryDelay = initial
		m.maxRetryDelay = max
		m.backoffFactor = factor
	}
}

// WithLogger sets the manager's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates an empty Manager bound to store st.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:             st,
		logger:            slog.Default(),
		initialRetryDelay: DefaultInitialRetryDelay,
		maxRetryDelay:     DefaultMaxRetryDelay,
		backoffFactor:     DefaultBackoffFactor,
		adapters:          make(map[string]*adapterState),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add registers a, failing with a *lumeerr.ConfigError if its name is
// already registered.
func (m *Manager) Add(a adapter.Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.adapters[a.Name()]; exists {
		return &lumeerr.ConfigError{Detail: fmt.Sprintf("duplicate adapter name %q", a.Name())}
	}

	m.adapters[a.Name()] = &adapterState{adapter: a, retryDelay: m.initialRetryDelay}
	m.order = append(m.order, a.Name())
	return nil
}

// Adapters returns the current status of every registered adapter, in
// registration order.
func (m *Manager) Adapters() []AdapterStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AdapterStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.adapters[name].status())
	}
	return out
}

// ConnectedAdapters returns the subset of Adapters() currently connected.
func (m *Manager) ConnectedAdapters() []AdapterStatus {
	all := m.Adapters()
	out := all[:0:0]
	for _, a := range all {
		if a.Connected {
			out = append(out, a)
		}
	}
	return out
}

// StartAll attempts to connect every registered adapter and launches its
// live-event pump. A single adapter's failure schedules a retry for that
// adapter alone; it never prevents the others from starting. ctx governs
// the lifetime of every pump and retry goroutine spawned; cancel it (or
// call StopAll) to tear them all down.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.started = true
	states := make([]*adapterState, 0, len(m.order))
	for _, name := range m.order {
		states = append(states, m.adapters[name])
	}
	m.mu.Unlock()

	for _, st := range states {
		m.start(st)
	}
}

// start performs one connection attempt for an adapter: snapshot, seed the
// store, and launch its pump. On failure it schedules a retry instead.
func (m *Manager) start(st *adapterState) {
	logger := m.logger.With("adapter", st.adapter.Name())
	logger.Info("connecting")

	signals, err := st.adapter.Snapshot(m.runCtx)
	if err != nil {
		logger.Warn("connect failed, scheduling retry", "error", err)
		st.setDisconnected(err.Error())
		m.scheduleRetry(st)
		return
	}

	m.store.SetMany(signals)
	st.setConnected()
	st.mu.Lock()
	st.retryDelay = m.initialRetryDelay
	st.mu.Unlock()

	m.wg.Add(1)
	go m.pump(st)
}

// pump runs the live-event loop for one adapter until ctx is cancelled. On
// a transport error or clean stream end it backs off, re-snapshots, and
// resumes.
func (m *Manager) pump(st *adapterState) {
	defer m.wg.Done()
	logger := m.logger.With("adapter", st.adapter.Name())

	for {
		if m.runCtx.Err() != nil {
			return
		}

		out := make(chan signal.Signal, pumpEventBuffer)
		subErr := make(chan error, 1)
		go func() {
			err := st.adapter.Subscribe(m.runCtx, out)
			close(out)
			subErr <- err
		}()

		for sig := range out {
			m.store.Publish(sig)
		}
		err := <-subErr

		if m.runCtx.Err() != nil {
			return
		}

		if err == nil {
			logger.Info("event stream closed by upstream")
			st.setDisconnected("stream closed")
		} else {
			logger.Warn("event stream error", "error", err)
			st.setDisconnected(err.Error())
		}

		st.mu.Lock()
		delay := st.retryDelay
		st.mu.Unlock()

		if !sleepCtx(m.runCtx, delay) {
			return
		}

		st.mu.Lock()
		st.retryDelay = advanceDelay(st.retryDelay, m.backoffFactor, m.maxRetryDelay)
		st.mu.Unlock()

		signals, err := st.adapter.Snapshot(m.runCtx)
		if err != nil {
			logger.Warn("reconnect snapshot failed", "error", err)
			continue
		}

		m.store.SetMany(signals)
		st.setConnected()
		st.mu.Lock()
		st.retryDelay = m.initialRetryDelay
		st.mu.Unlock()
		logger.Info("reconnected")
	}
}

// scheduleRetry arranges a one-shot retry of start for an adapter whose
// initial connection attempt failed. Idempotent: a second failure while a
// retry is already pending is a no-op.
func (m *Manager) scheduleRetry(st *adapterState) {
	st.mu.Lock()
	if st.retryPending {
		st.mu.Unlock()
		return
	}
	st.retryPending = true
	delay := st.retryDelay
	st.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ok := sleepCtx(m.runCtx, delay)

		st.mu.Lock()
		st.retryDelay = advanceDelay(st.retryDelay, m.backoffFactor, m.maxRetryDelay)
		st.retryPending = false
		st.mu.Unlock()

		if !ok {
			return
		}
		m.start(st)
	}()
}

// StopAll cancels every pump and retry goroutine, waits for them to
// settle, and closes every adapter. Idempotent and safe to call even if
// StartAll was never called.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.runCancel
	states := make([]*adapterState, 0, len(m.order))
	for _, name := range m.order {
		states = append(states, m.adapters[name])
	}
	m.started = false
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	var errs []error
	for _, st := range states {
		if err := st.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", st.adapter.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// sleepCtx waits for d or ctx cancellation, whichever comes first.
// Returns false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func advanceDelay(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	if next <= 0 {
		return max
	}
	return next
}
