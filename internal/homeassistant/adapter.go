package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"sync"

	"github.com/ff-fab/lumehaven/internal/lumeerr"
	"github.com/ff-fab/lumehaven/internal/signal"
)

// Sentinel HA state strings meaning "no value."
const (
	stateUnknown     = "unknown"
	stateUnavailable = "unavailable"
)

// Adapter drives a Home Assistant instance: GetStates for the snapshot,
// then a WebSocket subscription to state_changed for live updates.
type Adapter struct {
	name   string
	prefix string
	url    string
	token  string
	logger *slog.Logger

	rest *Client

	mu sync.Mutex
	ws *WSClient
}

// Config configures a Home Assistant Adapter.
type Config struct {
	Name   string
	Prefix string
	URL    string
	Token  string
	Logger *slog.Logger
}

// New constructs a Home Assistant Adapter. Connections are established
// lazily on first Snapshot/Subscribe call.
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:   cfg.Name,
		prefix: cfg.Prefix,
		url:    cfg.URL,
		token:  cfg.Token,
		logger: logger,
		rest:   NewClient(cfg.URL, cfg.Token),
	}
}

func (a *Adapter) Name() string   { return a.name }
func (a *Adapter) Type() string   { return "homeassistant" }
func (a *Adapter) Prefix() string { return a.prefix }

func (a *Adapter) prefixedID(entityID string) string {
	return a.prefix + ":" + entityID
}

// Snapshot fetches every entity's current state via the REST API.
func (a *Adapter) Snapshot(ctx context.Context) (map[string]signal.Signal, error) {
	states, err := a.rest.GetStates(ctx)
	if err != nil {
		return nil, &lumeerr.ConnectionFailure{UpstreamType: "homeassistant", URL: a.url, Cause: err}
	}

	out := make(map[string]signal.Signal, len(states))
	for _, st := range states {
		sig := stateToSignal(a.prefixedID(st.EntityID), st.State, st.Attributes)
		out[sig.ID] = sig
	}
	return out, nil
}

// Subscribe connects the WebSocket client, subscribes to state_changed
// events, and forwards every translated event to out until ctx is
// cancelled or the connection is lost.
func (a *Adapter) Subscribe(ctx context.Context, out chan<- signal.Signal) error {
	ws := NewWSClient(a.url, a.token, a.logger)
	if err := ws.Connect(ctx); err != nil {
		return &lumeerr.ConnectionFailure{UpstreamType: "homeassistant", URL: a.url, Cause: err}
	}

	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.ws = nil
		a.mu.Unlock()
	}()

	if err := ws.Subscribe(ctx, "state_changed"); err != nil {
		ws.Close()
		return &lumeerr.ConnectionFailure{UpstreamType: "homeassistant", URL: a.url, Cause: err}
	}

	for {
		select {
		case <-ctx.Done():
			ws.Close()
			return ctx.Err()
		case err := <-ws.Done():
			if err != nil {
				return &lumeerr.ConnectionFailure{UpstreamType: "homeassistant", URL: a.url, Cause: err}
			}
			return nil
		case event := <-ws.Events():
			sig, ok := a.processEvent(event)
			if !ok {
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				ws.Close()
				return ctx.Err()
			}
		}
	}
}

func (a *Adapter) processEvent(event Event) (signal.Signal, bool) {
	if event.Type != "state_changed" {
		return signal.Signal{}, false
	}

	var data StateChangedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		a.logger.Warn("malformed state_changed payload", "error", err)
		return signal.Signal{}, false
	}
	if data.NewState == nil {
		return signal.Signal{}, false
	}

	return stateToSignal(a.prefixedID(data.EntityID), data.NewState.State, data.NewState.Attributes), true
}

// stateToSignal normalizes one HA entity state into a Signal. unknown and
// unavailable become an absent value; otherwise boolean on/off states
// coerce to BOOLEAN, numeric states to NUMBER, everything else to STRING.
func stateToSignal(id, state string, attrs map[string]any) signal.Signal {
	unit, _ := attrs["unit_of_measurement"].(string)
	label, _ := attrs["friendly_name"].(string)

	if state == stateUnknown || state == stateUnavailable {
		return signal.New(id, signal.Absent, signal.TypeString, signal.Fields{
			Unit: unit, Label: label, AvailableSet: true, Available: false,
		})
	}

	switch state {
	case "on", "off":
		return signal.New(id, signal.BoolValue(state == "on"), signal.TypeBoolean, signal.Fields{
			Unit: unit, Label: label, DisplayValue: state,
		})
	}

	if f, err := strconv.ParseFloat(state, 64); err == nil {
		v := signal.FloatValue(f)
		if f == math.Trunc(f) {
			v = signal.IntValue(int64(f))
		}
		return signal.New(id, v, signal.TypeNumber, signal.Fields{Unit: unit, Label: label})
	}

	return signal.New(id, signal.StringValue(state), signal.TypeString, signal.Fields{Unit: unit, Label: label})
}

// Close closes any active WebSocket connection. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	ws := a.ws
	a.ws = nil
	a.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

// Connected reports whether a WebSocket connection is currently active.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ws != nil
}
