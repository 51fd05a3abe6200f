// Package mqtt provides MQTT client connectivity for the M-Bus bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and backoff
//   - Message publishing with QoS guarantees and ack timeouts
//   - Topic subscriptions restored across reconnects
//   - Last Will and Testament (LWT) on the bridge availability topic
//   - Connection health monitoring
//
// # Topics
//
// The bridge publishes retained device state under
// {prefix}/device/{device_id}/{attribute}, retained availability under
// {prefix}/device/{device_id}/availability, and its own availability
// (also the LWT topic) under {prefix}/bridge/state. Home Assistant
// discovery configs go to {discovery_prefix}/{component}/{object_id}/config.
//
// # Delivery semantics
//
// All state publishes use QoS 1 (at-least-once) and the retained flag so
// a restarting broker or consumer immediately sees last-known values.
// Delivery guarantees beyond a connected session (offline queueing,
// ordered drain) live in the bridge's publisher, not here.
package mqtt
