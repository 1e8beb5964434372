// Package mqtt projects coordinator snapshots into Home Assistant via
// MQTT discovery and routes inbound entity commands back to the
// command dispatcher. The bridge appears as a single HA device with
// per-product balance and session sensors, per-member status sensors,
// a license-plate select for visitor products, a refresh button, and a
// refresh-interval number.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes retained discovery config payloads, a birth message
// ("online") to the availability topic, and subscribes to the command
// topics. A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects. Entity states are pushed from
// the coordinator's listener callback rather than on a timer, so HA
// sees every refresh exactly once.
package mqtt
