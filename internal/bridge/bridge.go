package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmabilityAI/WaterFeature8/internal/waterfeature"
)

// defaultShutdownGrace is how long Stop waits after the final offline
// publish so the broker can flush it before the connection drops.
const defaultShutdownGrace = time.Second

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Bridge wires the serial device session to the MQTT broker.
// It handles:
//   - Publishing every accepted sample to the telemetry topic
//   - Answering cloud commands on the command topic
//   - Retained availability status and graceful shutdown sequencing
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	deviceID string
	device   DeviceSession
	mqtt     MQTTClient
	qos      byte
	grace    time.Duration
	status   *StatusReporter

	// subID is the device subscription handle, released on Stop.
	subID int

	// Shutdown coordination
	stopOnce sync.Once

	// Operational counters
	telemetrySent    atomic.Uint64
	telemetryDropped atomic.Uint64
	commandsHandled  atomic.Uint64

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// DeviceSession is the interface the bridge needs from the serial session.
// Satisfied by *waterfeature.Device; mocked in tests.
type DeviceSession interface {
	// SendCommand forwards a raw instrument command over the serial link.
	SendCommand(command string) error

	// LatestReading returns the most recent accepted sample, if any.
	LatestReading() (waterfeature.Reading, bool)

	// Info returns the instrument's identity and connectivity.
	Info() waterfeature.DeviceInfo

	// Subscribe registers a callback for accepted readings.
	Subscribe(fn func(waterfeature.Reading)) int

	// Unsubscribe removes a previously registered callback.
	Unsubscribe(id int)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Options holds configuration for creating a bridge.
type Options struct {
	// DeviceID is the instrument identifier used in topics and payloads.
	DeviceID string

	// Device is the serial device session.
	Device DeviceSession

	// MQTT is the broker client.
	MQTT MQTTClient

	// QoS is the quality of service for all bridge publishes.
	QoS byte

	// StatusInterval is how often the retained online status is refreshed.
	StatusInterval time.Duration

	// ShutdownGrace is the pause after the final offline publish.
	// Default: 1 second.
	ShutdownGrace time.Duration

	// Logger is optional structured logger.
	Logger Logger
}

// New creates a new bridge instance.
// Call Start() to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if opts.Device == nil {
		return nil, fmt.Errorf("device session is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	grace := opts.ShutdownGrace
	if grace == 0 {
		grace = defaultShutdownGrace
	}

	b := &Bridge{
		deviceID: opts.DeviceID,
		device:   opts.Device,
		mqtt:     opts.MQTT,
		qos:      opts.QoS,
		grace:    grace,
		logger:   opts.Logger,
	}

	b.status = NewStatusReporter(StatusReporterConfig{
		DeviceID:  opts.DeviceID,
		QoS:       opts.QoS,
		Interval:  opts.StatusInterval,
		Publisher: opts.MQTT,
		Info:      opts.Device.Info,
	})
	if opts.Logger != nil {
		b.status.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation. This subscribes to the command topic,
// registers for device readings, and starts the retained status refresh
// (which publishes the initial online message).
func (b *Bridge) Start(ctx context.Context) error {
	commandTopic := CommandTopic(b.deviceID)
	if err := b.mqtt.Subscribe(commandTopic, b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.subID = b.device.Subscribe(b.publishTelemetry)

	b.status.Start(ctx)

	b.logInfo("bridge started",
		"device_id", b.deviceID,
		"telemetry_topic", TelemetryTopic(b.deviceID))

	return nil
}

// Stop gracefully shuts down the bridge: readings stop flowing, the
// retained offline status is published, then a short grace period lets the
// broker flush it before the caller drops the connection.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.device.Unsubscribe(b.subID)
		b.status.Stop()

		if err := b.status.PublishOffline("graceful_shutdown"); err != nil {
			b.logError("failed to publish offline status", err)
		}
		if b.grace > 0 {
			time.Sleep(b.grace)
		}

		b.logInfo("bridge stopped")
	})
}

// HandleBrokerConnect re-publishes the retained online status after a
// broker (re)connect. Wire this to the MQTT client's connect callback.
func (b *Bridge) HandleBrokerConnect() {
	if err := b.status.PublishOnline(); err != nil {
		b.logError("failed to publish online status", err)
		return
	}
	b.logInfo("online status published", "topic", StatusTopic(b.deviceID))
}

// HandleBrokerDisconnect logs a lost broker connection. The retained LWT
// covers the availability signal; telemetry is dropped until reconnect.
func (b *Bridge) HandleBrokerDisconnect(err error) {
	b.logWarn("broker connection lost", "error", err)
}

// LWTPayload returns the Last Will message the broker publishes if the
// bridge disconnects without a clean shutdown.
func (b *Bridge) LWTPayload() ([]byte, error) {
	return b.status.LWTPayload()
}

// LWTTopic returns the topic for the Last Will message.
func (b *Bridge) LWTTopic() string {
	return b.status.LWTTopic()
}

// publishTelemetry converts one accepted reading to its wire form and
// publishes it. Readings arriving while the broker is down are dropped,
// never queued.
func (b *Bridge) publishTelemetry(r waterfeature.Reading) {
	if !b.mqtt.IsConnected() {
		b.telemetryDropped.Add(1)
		b.logDebug("telemetry dropped, broker disconnected",
			"device_timestamp", r.DeviceTimestamp)
		return
	}

	payload, err := json.Marshal(NewTelemetryMessage(r))
	if err != nil {
		b.logError("failed to marshal telemetry", err)
		return
	}

	if err := b.mqtt.Publish(TelemetryTopic(b.deviceID), payload, b.qos, false); err != nil {
		b.telemetryDropped.Add(1)
		b.logError("failed to publish telemetry", err)
		return
	}

	b.telemetrySent.Add(1)
}

// handleCommand processes one message from the command topic. A payload
// that does not decode as a command envelope is dropped without a response;
// every decodable command gets exactly one response.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	var cmd CommandEnvelope
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logWarn("dropping undecodable command", "topic", topic, "error", err)
		return nil
	}

	commandID := cmd.CommandID
	if commandID == "" {
		commandID = "unknown"
	}

	b.logInfo("received command", "command_id", commandID, "type", string(cmd.Type))
	b.commandsHandled.Add(1)

	resp := ResponseEnvelope{
		CommandID: commandID,
		DeviceID:  b.deviceID,
		Timestamp: time.Now().UTC(),
		Status:    ResponseError,
		Message:   "Unknown command",
	}

	switch cmd.Type {
	case CommandGetStatus:
		resp.Status = ResponseSuccess
		resp.Message = "Device status retrieved"
		resp.Data = b.statusData()

	case CommandGetReading:
		if reading, ok := b.device.LatestReading(); ok {
			resp.Status = ResponseSuccess
			resp.Message = "Latest reading retrieved"
			resp.Data = reading
		} else {
			resp.Message = "No recent data available"
		}

	case CommandSendDevice:
		if err := b.device.SendCommand(cmd.DeviceCommand); err != nil {
			b.logError("device command failed", err)
			resp.Message = "Failed to send command to device"
		} else {
			resp.Status = ResponseSuccess
			resp.Message = fmt.Sprintf("Command sent to device: %s", cmd.DeviceCommand)
		}
	}

	b.publishResponse(resp)
	return nil
}

// statusData builds the get_status payload: device identity plus the latest
// reading, which is null when nothing has been captured yet.
func (b *Bridge) statusData() any {
	data := struct {
		DeviceInfo    waterfeature.DeviceInfo `json:"device_info"`
		LatestReading any                     `json:"latest_reading"`
	}{
		DeviceInfo: b.device.Info(),
	}
	if reading, ok := b.device.LatestReading(); ok {
		data.LatestReading = reading
	}
	return data
}

// publishResponse publishes one command response.
func (b *Bridge) publishResponse(resp ResponseEnvelope) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}

	if err := b.mqtt.Publish(ResponseTopic(b.deviceID), payload, b.qos, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

// Metrics contains counters for health reporting.
type Metrics struct {
	TelemetrySent    uint64
	TelemetryDropped uint64
	CommandsHandled  uint64
}

// GetMetrics returns current bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		TelemetrySent:    b.telemetrySent.Load(),
		TelemetryDropped: b.telemetryDropped.Load(),
		CommandsHandled:  b.commandsHandled.Load(),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.status != nil {
		b.status.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
