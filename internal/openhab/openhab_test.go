package openhab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ff-fab/lumehaven/internal/lumeerr"
	"github.com/ff-fab/lumehaven/internal/signal"
)

func newTestAdapter(t *testing.T, url string) *Adapter {
	t.Helper()
	return New(Config{Name: "oh1", Prefix: "oh", URL: url})
}

func jsonServer(t *testing.T, measurementSystem string, items []itemRecord) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"measurementSystem":%q}`, measurementSystem)
	})
	mux.HandleFunc("/rest/items", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(items)
	})
	return httptest.NewServer(mux)
}

func TestSnapshotScenarioA_Temperature(t *testing.T) {
	pattern := "%.1f °C"
	items := []itemRecord{{
		Name: "LR_Temp", Label: "Living Room", State: "21.5 °C", Type: "Number:Temperature",
		StateDescription: &stateDescription{Pattern: pattern},
	}}
	srv := jsonServer(t, "SI", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig, ok := signals["oh:LR_Temp"]
	if !ok {
		t.Fatal("missing oh:LR_Temp")
	}
	if sig.SignalType != signal.TypeNumber || !sig.Available || sig.Unit != "°C" || sig.DisplayValue != "21.5" || sig.Label != "Living Room" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if f, ok := valueFloat(sig.Value); !ok || f != 21.5 {
		t.Fatalf("expected value 21.5, got %+v", sig.Value)
	}
}

func TestSnapshotScenarioB_SwitchOn(t *testing.T) {
	items := []itemRecord{{Name: "LR_Light", Label: "Living Room Light", State: "ON", Type: "Switch"}}
	srv := jsonServer(t, "SI", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig := signals["oh:LR_Light"]
	if sig.SignalType != signal.TypeBoolean || sig.DisplayValue != "ON" || sig.Unit != "" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if b, ok := sig.Value.IsBool(); !ok || !b {
		t.Fatalf("expected value true, got %+v", sig.Value)
	}
}

func TestSnapshotScenarioC_ContactClosed(t *testing.T) {
	items := []itemRecord{{Name: "Door", Label: "Front Door", State: "CLOSED", Type: "Contact"}}
	srv := jsonServer(t, "SI", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig := signals["oh:Door"]
	if sig.SignalType != signal.TypeBoolean || sig.DisplayValue != "CLOSED" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if b, ok := sig.Value.IsBool(); !ok || b {
		t.Fatalf("expected value false, got %+v", sig.Value)
	}
}

func TestSnapshotScenarioD_UndefNumber(t *testing.T) {
	items := []itemRecord{{Name: "Off", Label: "Offline Sensor", State: "UNDEF", Type: "Number:Temperature"}}
	srv := jsonServer(t, "SI", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig := signals["oh:Off"]
	if sig.Available || sig.DisplayValue != "" || sig.Unit != "°C" || sig.SignalType != signal.TypeNumber {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if !sig.Value.IsAbsent() {
		t.Fatalf("expected absent value, got %+v", sig.Value)
	}
}

func TestSnapshotTransformedStateOverridesToString(t *testing.T) {
	transformed := "Warm"
	items := []itemRecord{{
		Name: "LR_Temp", Label: "Living Room", State: "21.5 °C", Type: "Number:Temperature",
		TransformedState: &transformed,
	}}
	srv := jsonServer(t, "SI", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig := signals["oh:LR_Temp"]
	if sig.SignalType != signal.TypeString || sig.DisplayValue != "Warm" || sig.Unit != "" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestSnapshotDateTimeHasNoUnit(t *testing.T) {
	items := []itemRecord{{Name: "LastSeen", State: "2024-01-01T00:00:00Z", Type: "DateTime"}}
	srv := jsonServer(t, "SI", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig := signals["oh:LastSeen"]
	if sig.SignalType != signal.TypeDateTime || sig.Unit != "" || sig.DisplayValue != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestSnapshotRollershutterIsPercent(t *testing.T) {
	items := []itemRecord{{Name: "Blinds", State: "42", Type: "Rollershutter"}}
	srv := jsonServer(t, "SI", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig := signals["oh:Blinds"]
	if sig.Unit != "%" || sig.SignalType != signal.TypeNumber {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestSnapshotQuantityTypeWithoutPatternUsesDefaultUnit(t *testing.T) {
	items := []itemRecord{{Name: "Power", State: "120", Type: "Number:Power"}}
	srv := jsonServer(t, "US", items)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	signals, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sig := signals["oh:Power"]
	if sig.Unit == "" {
		t.Fatalf("expected a default unit, got empty; signal=%+v", sig)
	}
}

func TestSnapshotMeasurementSystemFallsBackToSIOnUnknownValue(t *testing.T) {
	items := []itemRecord{{Name: "Power", State: "120", Type: "Number:Power"}}
	srv := jsonServer(t, "METRIC", items) // not SI or US
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	if _, err := a.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := a.lookupDefaultUnit("Temperature"); got != "°C" {
		t.Fatalf("expected SI fallback unit °C, got %q", got)
	}
}

func TestSnapshotConnectionFailureOnServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"measurementSystem":"SI"}`)
	})
	mux.HandleFunc("/rest/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.Snapshot(context.Background())
	var cf *lumeerr.ConnectionFailure
	if err == nil {
		t.Fatal("expected error")
	}
	if !asConnectionFailure(err, &cf) {
		t.Fatalf("expected ConnectionFailure, got %T: %v", err, err)
	}
}

func TestSubscribeDeliversEventsAndSkipsUnknownItems(t *testing.T) {
	items := []itemRecord{{Name: "LR_Light", State: "OFF", Type: "Switch"}}

	var subscribedItems []string
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"measurementSystem":"SI"}`)
	})
	mux.HandleFunc("/rest/items", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(items)
	})
	mux.HandleFunc("/rest/events/states", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: conn-123\n\n")
		flusher.Flush()

		// Wait briefly for the subscribe POST to land, then emit events.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			got := len(subscribedItems) > 0
			mu.Unlock()
			if got {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		fmt.Fprint(w, "data: not json\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"Unknown_Item":{"state":"ON"},"LR_Light":{"state":"ON"}}`+"\n\n")
		flusher.Flush()
	})
	mux.HandleFunc("/rest/events/states/conn-123", func(w http.ResponseWriter, r *http.Request) {
		var names []string
		json.NewDecoder(r.Body).Decode(&names)
		mu.Lock()
		subscribedItems = names
		mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	out := make(chan signal.Signal, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := a.Subscribe(ctx, out)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case sig := <-out:
		if sig.ID != "oh:LR_Light" {
			t.Fatalf("expected oh:LR_Light, got %s", sig.ID)
		}
		if b, ok := sig.Value.IsBool(); !ok || !b {
			t.Fatalf("expected value true, got %+v", sig.Value)
		}
	default:
		t.Fatal("expected a delivered signal")
	}

	select {
	case extra := <-out:
		t.Fatalf("expected no extra signal, got %+v", extra)
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if a.Connected() {
		t.Fatal("expected Connected() == false after Close")
	}
}

func valueFloat(v signal.Value) (float64, bool) {
	var out float64
	if err := json.Unmarshal(mustMarshal(v), &out); err != nil {
		return 0, false
	}
	return out, true
}

func mustMarshal(v signal.Value) []byte {
	b, err := v.MarshalJSON()
	if err != nil {
		panic(err)
	}
	return b
}

func asConnectionFailure(err error, target **lumeerr.ConnectionFailure) bool {
	cf, ok := err.(*lumeerr.ConnectionFailure)
	if ok {
		*target = cf
	}
	return ok
}
