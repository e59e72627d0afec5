package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ff-fab/lumehaven/internal/config"
	"github.com/ff-fab/lumehaven/internal/signal"
	"github.com/ff-fab/lumehaven/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Manufacturer != "Lumehaven" {
		t.Errorf("Manufacturer = %q, want %q", info.Manufacturer, "Lumehaven")
	}
}

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "aggregator",
		DiscoveryPrefix: "homeassistant",
	}
	st := store.New(8, 0, discardLogger())
	return New(cfg, "instance-123", st, discardLogger())
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := newTestPublisher(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "lumehaven/aggregator"},
		{"availabilityTopic", p.availabilityTopic(), "lumehaven/aggregator/availability"},
		{"stateTopic", p.stateTopic("kitchen_temp"), "lumehaven/aggregator/kitchen_temp/state"},
		{"discoveryTopic sensor", p.discoveryTopic("sensor", "kitchen_temp"), "homeassistant/sensor/aggregator/kitchen_temp/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestEntitySuffixSanitizesSignalID(t *testing.T) {
	got := entitySuffix("openhab:Kitchen Temp.Sensor")
	want := "openhab_Kitchen_Temp_Sensor"
	if got != want {
		t.Errorf("entitySuffix() = %q, want %q", got, want)
	}
}

func TestSensorConfigForSignal(t *testing.T) {
	p := newTestPublisher(t)

	sig := signal.New("openhab:Kitchen_Temp", signal.FloatValue(21.5), signal.TypeNumber, signal.Fields{
		Unit: "°C", Label: "Kitchen Temperature",
	})

	cfg := p.sensorConfigForSignal(sig)

	if cfg.Name != "Kitchen Temperature" {
		t.Errorf("Name = %q, want %q", cfg.Name, "Kitchen Temperature")
	}
	if cfg.ObjectID != "openhab_Kitchen_Temp" {
		t.Errorf("ObjectID = %q, want %q", cfg.ObjectID, "openhab_Kitchen_Temp")
	}
	if cfg.UniqueID != "instance-123_openhab_Kitchen_Temp" {
		t.Errorf("UniqueID = %q, want %q", cfg.UniqueID, "instance-123_openhab_Kitchen_Temp")
	}
	if !cfg.HasEntityName {
		t.Error("HasEntityName should be true")
	}
	if cfg.UnitOfMeasurement != "°C" {
		t.Errorf("UnitOfMeasurement = %q, want %q", cfg.UnitOfMeasurement, "°C")
	}
	if cfg.StateClass != "measurement" {
		t.Errorf("StateClass = %q, want %q", cfg.StateClass, "measurement")
	}
	if len(cfg.Device.Identifiers) == 0 {
		t.Error("Device.Identifiers is empty")
	}
	if cfg.AvailabilityTopic != p.availabilityTopic() {
		t.Errorf("AvailabilityTopic = %q, want %q", cfg.AvailabilityTopic, p.availabilityTopic())
	}
}

func TestSensorConfigForSignal_NonNumericHasNoStateClass(t *testing.T) {
	p := newTestPublisher(t)
	sig := signal.New("openhab:Front_Door", signal.BoolValue(true), signal.TypeBoolean, signal.Fields{Label: "Front Door"})

	cfg := p.sensorConfigForSignal(sig)
	if cfg.StateClass != "" {
		t.Errorf("StateClass = %q, want empty for boolean signal", cfg.StateClass)
	}
}

func TestSensorConfig_JsonAttributesTopic(t *testing.T) {
	cfg := SensorConfig{
		Name:                "Test",
		UniqueID:            "test_1",
		StateTopic:          "lumehaven/test/state",
		AvailabilityTopic:   "lumehaven/test/availability",
		JsonAttributesTopic: "lumehaven/test/attributes",
		Device:              DeviceInfo{Identifiers: []string{"id"}, Name: "d"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"json_attributes_topic"`) {
		t.Errorf("expected json_attributes_topic in JSON:\n%s", data)
	}

	cfg.JsonAttributesTopic = ""
	data, err = json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if strings.Contains(string(data), `"json_attributes_topic"`) {
		t.Errorf("json_attributes_topic should be omitted when empty:\n%s", data)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want bool
	}{
		{"both set", config.MQTTConfig{Broker: "mqtt://localhost", DeviceName: "lumehaven"}, true},
		{"missing broker", config.MQTTConfig{DeviceName: "lumehaven"}, false},
		{"missing device_name", config.MQTTConfig{Broker: "mqtt://localhost"}, false},
		{"empty", config.MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublishSignalWithNilConnectionLeavesDiscoveredUnset(t *testing.T) {
	p := newTestPublisher(t)
	sig := signal.New("openhab:Kitchen_Temp", signal.FloatValue(21.5), signal.TypeNumber, signal.Fields{Unit: "°C"})

	suffix := entitySuffix(sig.ID)
	p.mu.Lock()
	already := p.discovered[sig.ID]
	p.mu.Unlock()
	if already {
		t.Fatal("signal should not be marked discovered yet")
	}

	// publishSignal with a nil connection manager returns before touching
	// the discovered map or the broker.
	p.publishSignal(context.Background(), nil, sig)

	p.mu.Lock()
	already = p.discovered[sig.ID]
	p.mu.Unlock()
	if already {
		t.Error("discovered map should not be updated when cm is nil")
	}
	_ = suffix
}
