package bridge

import (
	"fmt"
	"time"

	"github.com/SmabilityAI/WaterFeature8/internal/waterfeature"
)

// MQTT message types exchanged between the bridge and the cloud side.
// All payloads are JSON; timestamps are UTC ISO8601.

// CommandType identifies a cloud command addressed to the bridge.
type CommandType string

const (
	// CommandGetStatus requests the device's identity and connectivity.
	CommandGetStatus CommandType = "get_status"

	// CommandGetReading requests the most recent accepted sample.
	CommandGetReading CommandType = "get_reading"

	// CommandSendDevice forwards a raw instrument command over the serial
	// link (e.g., a calibration string).
	CommandSendDevice CommandType = "send_device_command"
)

// CommandEnvelope is received from the cloud on the command topic.
// Topic: waterfeature8/{device_id}/command
type CommandEnvelope struct {
	// Type selects the operation.
	Type CommandType `json:"type"`

	// CommandID correlates the response with this command. When absent the
	// response carries "unknown".
	CommandID string `json:"command_id"`

	// DeviceCommand is the raw instrument command for send_device_command.
	DeviceCommand string `json:"device_command,omitempty"`
}

// ResponseStatus is the outcome of a command.
type ResponseStatus string

const (
	// ResponseSuccess indicates the command was executed.
	ResponseSuccess ResponseStatus = "success"

	// ResponseError indicates the command could not be executed.
	ResponseError ResponseStatus = "error"
)

// ResponseEnvelope is published on the response topic, one per decodable
// command.
// Topic: waterfeature8/{device_id}/response
type ResponseEnvelope struct {
	// CommandID is the ID from the original command ("unknown" if it had none).
	CommandID string `json:"command_id"`

	// DeviceID is the instrument identifier.
	DeviceID string `json:"device_id"`

	// Timestamp is when the response was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status is "success" or "error".
	Status ResponseStatus `json:"status"`

	// Message is a human-readable outcome description.
	Message string `json:"message"`

	// Data carries the command-specific payload (if any).
	Data any `json:"data,omitempty"`
}

// TelemetryMeasurement is one channel's value in a telemetry message.
// Unlike the session-level measurement it omits the raw token.
type TelemetryMeasurement struct {
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Description string  `json:"description"`
}

// TelemetryMessage is published for every accepted sample.
// Topic: waterfeature8/{device_id}/telemetry
// QoS: 1, Retained: No
type TelemetryMessage struct {
	// DeviceID is the instrument identifier.
	DeviceID string `json:"device_id"`

	// Timestamp is the local capture time (ISO8601).
	Timestamp string `json:"timestamp"`

	// EpochTimestamp is the local capture time as Unix seconds.
	EpochTimestamp int64 `json:"epoch_timestamp"`

	// DeviceTimestamp is the instrument's own clock field, carried verbatim.
	DeviceTimestamp string `json:"device_timestamp"`

	// Measurements maps channel names to their values.
	Measurements map[string]TelemetryMeasurement `json:"measurements"`
}

// NewTelemetryMessage converts a reading into its wire form, dropping the
// per-channel raw tokens and the raw line.
func NewTelemetryMessage(r waterfeature.Reading) TelemetryMessage {
	msg := TelemetryMessage{
		DeviceID:        r.DeviceID,
		Timestamp:       r.LocalTimestamp,
		EpochTimestamp:  r.EpochTimestamp,
		DeviceTimestamp: r.DeviceTimestamp,
		Measurements:    make(map[string]TelemetryMeasurement, len(r.Measurements)),
	}
	for name, m := range r.Measurements {
		msg.Measurements[name] = TelemetryMeasurement{
			Value:       m.Value,
			Unit:        m.Unit,
			Description: m.Description,
		}
	}
	return msg
}

// StatusMessage reports the bridge's availability.
// Topic: waterfeature8/{device_id}/status
// QoS: 1, Retained: Yes
type StatusMessage struct {
	// DeviceID is the instrument identifier.
	DeviceID string `json:"device_id"`

	// Status is "online" or "offline".
	Status string `json:"status"`

	// Timestamp is when the status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceInfo describes the instrument (online messages only).
	DeviceInfo *waterfeature.DeviceInfo `json:"device_info,omitempty"`

	// Reason explains an offline status ("graceful_shutdown",
	// "unexpected_disconnect").
	Reason string `json:"reason,omitempty"`
}

// Availability states for StatusMessage.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// NewLWTMessage creates the Last Will and Testament payload. The broker
// publishes it (retained) if the bridge drops off without a clean disconnect.
func NewLWTMessage(deviceID string) StatusMessage {
	return StatusMessage{
		DeviceID:  deviceID,
		Status:    StatusOffline,
		Timestamp: time.Now().UTC(),
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all WaterFeature8 messages.
const TopicPrefix = "waterfeature8"

// TelemetryTopic returns the MQTT topic for sensor readings.
// Example: waterfeature8/wf8-pond-01/telemetry
func TelemetryTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/telemetry", TopicPrefix, deviceID)
}

// StatusTopic returns the MQTT topic for availability messages.
// Example: waterfeature8/wf8-pond-01/status
func StatusTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, deviceID)
}

// CommandTopic returns the MQTT topic the bridge listens on for commands.
// Example: waterfeature8/wf8-pond-01/command
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, deviceID)
}

// ResponseTopic returns the MQTT topic for command responses.
// Example: waterfeature8/wf8-pond-01/response
func ResponseTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/response", TopicPrefix, deviceID)
}
