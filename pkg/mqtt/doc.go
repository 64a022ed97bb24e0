// Package mqtt publishes test telemetry over MQTT and embeds a broker
// for offline runs.
//
// Adapter is a paho-backed publisher that treats each published message
// as a tracked resource: create publishes an envelope, read returns the
// local copy, delete publishes a tombstone and drops it. Broker wraps
// mochi-mqtt so tests and the CLI can stand up a real broker in
// process, no external daemon required.
package mqtt
