// Package mqtt mirrors Hearth's answers onto an MQTT broker. Hearth
// appears in Home Assistant as a native device (via MQTT discovery)
// with sensors for the last question, the last answer and daily
// counts, plus availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity, a birth message ("online") to the availability
// topic, and re-subscribes to the ask topic when questions are
// accepted over MQTT. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
package mqtt
