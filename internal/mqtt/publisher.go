package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ff-fab/lumehaven/internal/config"
	"github.com/ff-fab/lumehaven/internal/signal"
	"github.com/ff-fab/lumehaven/internal/store"
)

// Publisher bridges the signal store to an MQTT broker using
// Home-Assistant-style MQTT discovery: one retained discovery config per
// signal, a retained state topic per signal, and a birth/will availability
// topic for the whole bridge. It is purely an outbound consumer of the
// store's own pub/sub bus — it never feeds signals back into the store.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	st         *store.Store
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu         sync.Mutex
	discovered map[string]bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start] to
// begin the connection and the store-driven publish loop. A nil logger is
// replaced with [slog.Default].
func New(cfg config.MQTTConfig, instanceID string, st *store.Store, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		st:         st,
		logger:     logger,
		discovered: make(map[string]bool),
	}
}

// Device returns the HA device info shared across every sensor published
// by this bridge instance.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and begins the store-driven publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs for every signal currently in the store and
// a birth message to the availability topic; a will message transitions
// the availability topic to "offline" on unexpected disconnects.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.mu.Unlock()

			for _, sig := range p.st.GetAll() {
				p.publishSignal(publishCtx, cm, sig)
			}
			p.publishAvailability(publishCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "lumehaven-" + p.instanceID[:8],
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// runLoop subscribes to the store's pub/sub bus and republishes every
// signal update until ctx is cancelled.
func (p *Publisher) runLoop(ctx context.Context) {
	sub := p.st.Subscribe()
	defer p.st.Release(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub.C():
			if !ok {
				return
			}
			p.publishSignal(ctx, p.cm, sig)
		}
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "lumehaven/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// entitySuffix sanitizes a signal ID (e.g. "openhab:Kitchen_Temp") into an
// MQTT-topic- and HA-entity-id-safe suffix.
func entitySuffix(signalID string) string {
	r := strings.NewReplacer(":", "_", ".", "_", " ", "_")
	return r.Replace(signalID)
}

// --- Discovery + state ---

func (p *Publisher) sensorConfigForSignal(sig signal.Signal) SensorConfig {
	suffix := entitySuffix(sig.ID)
	name := sig.Label
	if name == "" {
		name = sig.ID
	}

	cfg := SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		UnitOfMeasurement: sig.Unit,
	}

	if sig.SignalType == signal.TypeNumber {
		cfg.StateClass = "measurement"
	}

	return cfg
}

func (p *Publisher) publishSignal(ctx context.Context, cm *autopaho.ConnectionManager, sig signal.Signal) {
	if cm == nil {
		return
	}

	suffix := entitySuffix(sig.ID)

	p.mu.Lock()
	needsDiscovery := !p.discovered[sig.ID]
	p.discovered[sig.ID] = true
	p.mu.Unlock()

	if needsDiscovery {
		p.publishDiscovery(ctx, cm, suffix, p.sensorConfigForSignal(sig))
	}

	state := sig.DisplayValue
	if !sig.Available {
		state = "unavailable"
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(suffix),
		Payload: []byte(state),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "signal", sig.ID, "error", err)
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, entity string, cfg SensorConfig) {
	topic := p.discoveryTopic("sensor", entity)
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed", "entity", entity, "topic", topic, "error", err)
	} else {
		p.logger.Debug("mqtt discovery published", "entity", entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
