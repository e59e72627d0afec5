// Package mqtt re-publishes the signal store's contents to an MQTT
// broker using Home-Assistant-style MQTT discovery, so any MQTT-discovery
// consumer (including a Home Assistant instance distinct from the one
// this service may itself ingest from) can treat every aggregated signal
// as a native sensor. It is publish-only; the bridge never subscribes to
// command topics or feeds anything back into the store.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes retained discovery config payloads for every signal currently
// in the store and a birth message ("online") to the availability topic.
// A will message ensures the availability topic transitions to "offline"
// on unexpected disconnects. Live signal updates arrive by subscribing to
// the store's own pub/sub bus and are republished as retained state topic
// updates, with a discovery payload published the first time any given
// signal ID is seen.
package mqtt
