// Package openhab implements the adapter.Adapter contract against
// OpenHAB's REST API: a snapshot fetch over /rest/items and a live
// state-change stream over /rest/events/states (Server-Sent Events).
package openhab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ff-fab/lumehaven/internal/httpkit"
	"github.com/ff-fab/lumehaven/internal/lumeerr"
	"github.com/ff-fab/lumehaven/internal/mojibake"
	"github.com/ff-fab/lumehaven/internal/signal"
	"github.com/ff-fab/lumehaven/internal/units"
)

const (
	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// itemFields are the OpenHAB item fields requested from the REST API;
// together they carry everything extractSignal needs.
var itemFields = []string{"name", "label", "state", "type", "stateDescription", "transformedState"}

type stateDescription struct {
	Pattern string `json:"pattern"`
}

type itemRecord struct {
	Name             string            `json:"name"`
	Label            string            `json:"label"`
	State            string            `json:"state"`
	Type             string            `json:"type"`
	StateDescription *stateDescription `json:"stateDescription"`
	TransformedState *string           `json:"transformedState"`
}

type itemMetadata struct {
	Unit                   string
	Format                 string
	IsQuantityType         bool
	EventStateContainsUnit bool
	Label                  string
	SignalType             signal.Type
}

// Adapter is an adapter.Adapter implementation for OpenHAB.
type Adapter struct {
	name    string
	prefix  string
	baseURL string
	tag     string
	token   string
	logger  *slog.Logger

	client    *http.Client
	sseClient *http.Client

	mu           sync.Mutex
	connected    bool
	unitsLoaded  bool
	defaultUnits map[string]string
	metadata     map[string]itemMetadata
}

// Config holds the per-instance settings for an OpenHAB adapter.
type Config struct {
	Name   string
	Prefix string
	URL    string
	Tag    string
	Token  string
	Logger *slog.Logger
}

// New constructs an OpenHAB adapter. name and prefix default to "openhab"
// and "oh" respectively when empty.
func New(cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "openhab"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "oh"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("adapter", name)

	return &Adapter{
		name:     name,
		prefix:   prefix,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		tag:      cfg.Tag,
		token:    cfg.Token,
		logger:   logger,
		metadata: make(map[string]itemMetadata),
	}
}

func (a *Adapter) Name() string   { return a.name }
func (a *Adapter) Type() string   { return "openhab" }
func (a *Adapter) Prefix() string { return a.prefix }

func (a *Adapter) prefixedID(itemName string) string {
	return a.prefix + ":" + itemName
}

func (a *Adapter) httpClient() *http.Client {
	if a.client == nil {
		a.client = httpkit.NewClient(
			httpkit.WithTimeout(requestTimeout),
			httpkit.WithLogger(a.logger),
		)
	}
	return a.client
}

// sseHTTPClient returns the long-lived client used for the live event
// stream: no overall timeout, since idle periods between state changes are
// normal and the connection may stay open indefinitely.
func (a *Adapter) sseHTTPClient() *http.Client {
	if a.sseClient == nil {
		a.sseClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(a.logger),
		)
	}
	return a.sseClient
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return req, nil
}

// ensureUnits lazily queries the upstream's configured measurement system
// and precomputes the default-units table. Safe to call repeatedly; only
// the first call performs I/O.
func (a *Adapter) ensureUnits(ctx context.Context) error {
	a.mu.Lock()
	loaded := a.unitsLoaded
	a.mu.Unlock()
	if loaded {
		return nil
	}

	system, err := a.measurementSystem(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.defaultUnits = units.DefaultUnits(system)
	a.unitsLoaded = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) measurementSystem(ctx context.Context) (units.System, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/rest/", nil)
	if err != nil {
		return units.SI, err
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return units.SI, &lumeerr.ConnectionFailure{UpstreamType: "openhab", URL: a.baseURL, Cause: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return units.SI, &lumeerr.ConnectionFailure{
			UpstreamType: "openhab",
			URL:          a.baseURL,
			Cause:        fmt.Errorf("GET /rest/: unexpected status %d", resp.StatusCode),
		}
	}

	var body struct {
		MeasurementSystem string `json:"measurementSystem"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return units.SI, &lumeerr.ConnectionFailure{UpstreamType: "openhab", URL: a.baseURL, Cause: err}
	}

	system := units.ParseSystem(body.MeasurementSystem)
	if body.MeasurementSystem != "SI" && body.MeasurementSystem != "US" {
		a.logger.Debug("unrecognized measurement system, defaulting to SI", "reported", body.MeasurementSystem)
	}
	return system, nil
}

// Snapshot fetches every tracked item and returns a Signal per item.
func (a *Adapter) Snapshot(ctx context.Context) (map[string]signal.Signal, error) {
	if err := a.ensureUnits(ctx); err != nil {
		return nil, err
	}

	query := "recursive=false&fields=" + strings.Join(itemFields, "%2C")
	if a.tag != "" {
		query = "tags=" + a.tag + "&" + query
	}

	req, err := a.newRequest(ctx, http.MethodGet, "/rest/items?"+query, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, &lumeerr.ConnectionFailure{UpstreamType: "openhab", URL: a.baseURL, Cause: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		return nil, &lumeerr.ConnectionFailure{
			UpstreamType: "openhab",
			URL:          a.baseURL,
			Cause:        fmt.Errorf("GET /rest/items: unexpected status %d: %s", resp.StatusCode, body),
		}
	}

	var items []itemRecord
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, &lumeerr.ConnectionFailure{UpstreamType: "openhab", URL: a.baseURL, Cause: err}
	}

	signals := make(map[string]signal.Signal, len(items))
	metadata := make(map[string]itemMetadata, len(items))
	for _, item := range items {
		sig, meta := a.extractSignal(item)
		signals[sig.ID] = sig
		metadata[item.Name] = meta
	}

	a.mu.Lock()
	a.metadata = metadata
	a.connected = true
	a.mu.Unlock()

	a.logger.Info("loaded signals from openhab", "count", len(signals))
	return signals, nil
}

// extractSignal decides the normalization branch for one item record and
// returns the resulting Signal plus the metadata cached for later live
// events on the same item.
func (a *Adapter) extractSignal(item itemRecord) (signal.Signal, itemMetadata) {
	baseType, quantitySuffix, isQuantityType := splitItemType(item.Type)

	var unit, format, displayValue string
	var eventStateContainsUnit bool
	var signalType signal.Type

	switch {
	case item.TransformedState != nil:
		displayValue = *item.TransformedState
		format = "%s"
		signalType = signal.TypeString

	case baseType == "DateTime":
		displayValue = item.State
		signalType = signal.TypeDateTime

	case item.StateDescription != nil && item.StateDescription.Pattern != "":
		unit, format = units.ExtractUnitAndFormat(item.StateDescription.Pattern)
		displayValue = units.FormatValue(item.State, unit, format, isQuantityType)
		eventStateContainsUnit = true
		signalType = signalTypeForBase(baseType)

	case isQuantityType:
		unit = a.lookupDefaultUnit(quantitySuffix)
		format = "%s"
		displayValue = units.FormatValue(item.State, unit, format, true)
		eventStateContainsUnit = true
		signalType = signalTypeForBase(baseType)

	case baseType == "Rollershutter" || baseType == "Dimmer":
		unit = "%"
		format = "%d"
		displayValue = item.State
		signalType = signal.TypeNumber

	default:
		displayValue = item.State
		signalType = signalTypeForBase(baseType)
	}

	meta := itemMetadata{
		Unit:                   unit,
		Format:                 format,
		IsQuantityType:         isQuantityType,
		EventStateContainsUnit: eventStateContainsUnit,
		Label:                  item.Label,
		SignalType:             signalType,
	}

	id := a.prefixedID(item.Name)
	if signal.IsUndefined(item.State) {
		return signal.New(id, signal.Absent, signalType, signal.Fields{
			Unit: unit, Label: item.Label, Available: false, AvailableSet: true,
		}), meta
	}

	value := coerceValue(displayValue, signalType)
	return signal.New(id, value, signalType, signal.Fields{
		Unit: unit, Label: item.Label, DisplayValue: displayValue, Available: true, AvailableSet: true,
	}), meta
}

func (a *Adapter) lookupDefaultUnit(quantity string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.defaultUnits[quantity]
}

func splitItemType(itemType string) (base, quantitySuffix string, isQuantityType bool) {
	base, quantitySuffix, found := strings.Cut(itemType, ":")
	return base, quantitySuffix, found
}

// eventPayload is the per-item object in a live state-change event.
type eventPayload struct {
	State        *string `json:"state"`
	DisplayState *string `json:"displayState"`
}

// Subscribe opens OpenHAB's SSE event stream and sends a Signal on out for
// every tracked item's state change, until ctx is cancelled or the stream
// ends.
func (a *Adapter) Subscribe(ctx context.Context, out chan<- signal.Signal) error {
	if err := a.ensureUnits(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if len(a.metadata) == 0 {
		a.mu.Unlock()
		if _, err := a.Snapshot(ctx); err != nil {
			return err
		}
	} else {
		a.mu.Unlock()
	}

	req, err := a.newRequest(ctx, http.MethodGet, "/rest/events/states", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	client := a.sseHTTPClient()
	resp, err := client.Do(req)
	if err != nil {
		return &lumeerr.ConnectionFailure{UpstreamType: "openhab", URL: a.baseURL, Cause: err}
	}
	defer resp.Body.Close()

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	}()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		return &lumeerr.ConnectionFailure{
			UpstreamType: "openhab",
			URL:          a.baseURL,
			Cause:        fmt.Errorf("GET /rest/events/states: unexpected status %d: %s", resp.StatusCode, body),
		}
	}

	connectionID := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)

		if connectionID == "" {
			connectionID = data
			if err := a.subscribeTrackedItems(ctx, connectionID); err != nil {
				return err
			}
			continue
		}

		var event map[string]eventPayload
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			malformed := &lumeerr.MalformedEvent{
				Adapter: "openhab",
				Detail:  truncate(data, 100),
				Cause:   err,
			}
			a.logger.Warn("failed to parse SSE event", "error", malformed)
			continue
		}

		for itemName, payload := range event {
			sig, ok := a.processEvent(itemName, payload)
			if !ok {
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return &lumeerr.ConnectionFailure{UpstreamType: "openhab", URL: a.baseURL, Cause: err}
	}
	return nil
}

func (a *Adapter) subscribeTrackedItems(ctx context.Context, connectionID string) error {
	a.mu.Lock()
	names := make([]string, 0, len(a.metadata))
	for name := range a.metadata {
		names = append(names, name)
	}
	a.mu.Unlock()

	payload, err := json.Marshal(names)
	if err != nil {
		return err
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/rest/events/states/"+connectionID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return &lumeerr.ConnectionFailure{UpstreamType: "openhab", URL: a.baseURL, Cause: err}
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	a.logger.Info("subscribed to items", "count", len(names))
	return nil
}

// processEvent converts one (item_name, payload) pair from a live event
// into a Signal, using the metadata cached at snapshot time. Any failure
// is logged and the item skipped; it never aborts the stream.
func (a *Adapter) processEvent(itemName string, payload eventPayload) (signal.Signal, bool) {
	a.mu.Lock()
	meta, known := a.metadata[itemName]
	a.mu.Unlock()
	if !known {
		return signal.Signal{}, false
	}

	id := a.prefixedID(itemName)

	if payload.State == nil || signal.IsUndefined(*payload.State) {
		return signal.New(id, signal.Absent, meta.SignalType, signal.Fields{
			Unit: meta.Unit, Label: meta.Label, Available: false, AvailableSet: true,
		}), true
	}

	var displayValue string
	switch {
	case meta.EventStateContainsUnit:
		raw := mojibake.Repair(*payload.State)
		displayValue = units.FormatValue(raw, meta.Unit, meta.Format, meta.IsQuantityType)
	case payload.DisplayState != nil:
		displayValue = mojibake.Repair(*payload.DisplayState)
	default:
		displayValue = mojibake.Repair(*payload.State)
	}

	value := coerceValue(displayValue, meta.SignalType)
	return signal.New(id, value, meta.SignalType, signal.Fields{
		Unit: meta.Unit, Label: meta.Label, DisplayValue: displayValue, Available: true, AvailableSet: true,
	}), true
}

// Close releases the adapter's HTTP clients. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	if a.sseClient != nil {
		a.sseClient.CloseIdleConnections()
	}
	return nil
}

// Connected reports whether the adapter believes it currently holds a live
// connection (a completed snapshot or an open event stream).
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
