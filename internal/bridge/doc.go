// Package bridge connects a WaterFeature8 serial session to an MQTT broker.
//
// The bridge owns the cloud-facing surface of the daemon: it publishes every
// accepted sample to the telemetry topic, answers commands arriving on the
// command topic, and maintains the retained availability status (online on
// start and reconnect, offline on graceful shutdown, LWT for the ungraceful
// case).
//
// Topics follow a fixed per-device scheme:
//
//	waterfeature8/{device_id}/telemetry   readings (QoS 1, not retained)
//	waterfeature8/{device_id}/status      availability (QoS 1, retained)
//	waterfeature8/{device_id}/command     inbound commands
//	waterfeature8/{device_id}/response    one response per decodable command
//
// Commands are JSON envelopes with a type of get_status, get_reading, or
// send_device_command. Payloads that do not decode as JSON are dropped
// without a response; decodable commands always get exactly one response,
// correlated by command_id.
//
// The bridge never queues: telemetry arriving while the broker is down is
// counted and discarded, keeping the daemon's memory bounded during long
// outages.
package bridge
