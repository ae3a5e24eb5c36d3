package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SmabilityAI/WaterFeature8/internal/waterfeature"
)

// mockPublish records a single publish call.
type mockPublish struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu           sync.Mutex
	connected    bool
	published    []mockPublish
	handlers     map[string]func(topic string, payload []byte) error
	publishErr   error
	subscribeErr error
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte) error),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishErr != nil {
		return m.publishErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.published = append(m.published, mockPublish{topic: topic, payload: buf, qos: qos, retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// SimulateMessage delivers a payload to the subscribed handler for a topic.
func (m *MockMQTTClient) SimulateMessage(t *testing.T, topic string, payload []byte) {
	t.Helper()

	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()

	if !ok {
		t.Fatalf("No handler subscribed for topic %s", topic)
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
}

// GetPublishedOn returns publishes whose topic ends with the given suffix.
func (m *MockMQTTClient) GetPublishedOn(suffix string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []mockPublish
	for _, p := range m.published {
		if strings.HasSuffix(p.topic, suffix) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// MockDevice implements DeviceSession for testing.
type MockDevice struct {
	mu      sync.Mutex
	latest  *waterfeature.Reading
	sent    []string
	sendErr error
	subs    map[int]func(waterfeature.Reading)
	nextID  int
}

func NewMockDevice() *MockDevice {
	return &MockDevice{subs: make(map[int]func(waterfeature.Reading))}
}

func (d *MockDevice) SendCommand(command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, command)
	return nil
}

func (d *MockDevice) LatestReading() (waterfeature.Reading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.latest == nil {
		return waterfeature.Reading{}, false
	}
	return d.latest.Copy(), true
}

func (d *MockDevice) Info() waterfeature.DeviceInfo {
	return waterfeature.DeviceInfo{
		DeviceID: "wf8-test",
		Model:    "WaterFeature8",
		Port:     "/dev/fake0",
		Baud:     115200,
		Channels: waterfeature.Channels(),
		Status:   "connected",
	}
}

func (d *MockDevice) Subscribe(fn func(waterfeature.Reading)) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.subs[d.nextID] = fn
	return d.nextID
}

func (d *MockDevice) Unsubscribe(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}

// SimulateReading fans a reading out to the bridge's subscription.
func (d *MockDevice) SimulateReading(r waterfeature.Reading) {
	d.mu.Lock()
	d.latest = &r
	fns := make([]func(waterfeature.Reading), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}

func (d *MockDevice) GetSent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *MockDevice) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func testReading() waterfeature.Reading {
	r, _ := waterfeature.ParseReading("ts1,1250.5,21.3,7.2,21.4,8.5,21.2,350.0", "wf8-test")
	return r
}

// newTestBridge builds a started bridge with mocks. The status refresh loop
// is disabled so tests see only the publishes they trigger.
func newTestBridge(t *testing.T, mqtt *MockMQTTClient, device *MockDevice) *Bridge {
	t.Helper()

	b, err := New(Options{
		DeviceID:       "wf8-test",
		Device:         device,
		MQTT:           mqtt,
		QoS:            1,
		StatusInterval: -1,
		ShutdownGrace:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return b
}

func sendCommand(t *testing.T, mqtt *MockMQTTClient, payload string) {
	t.Helper()
	mqtt.SimulateMessage(t, CommandTopic("wf8-test"), []byte(payload))
}

func lastResponse(t *testing.T, mqtt *MockMQTTClient) ResponseEnvelope {
	t.Helper()

	responses := mqtt.GetPublishedOn("/response")
	if len(responses) == 0 {
		t.Fatal("Expected a response to be published")
	}
	var resp ResponseEnvelope
	if err := json.Unmarshal(responses[len(responses)-1].payload, &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return resp
}

func TestNewValidation(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()

	tests := []struct {
		name string
		opts Options
	}{
		{"Missing device ID", Options{Device: device, MQTT: mqtt}},
		{"Missing device", Options{DeviceID: "wf8-test", MQTT: mqtt}},
		{"Missing MQTT client", Options{DeviceID: "wf8-test", Device: device}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestStartSubscribesAndRegisters(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	mqtt.mu.Lock()
	_, subscribed := mqtt.handlers[CommandTopic("wf8-test")]
	mqtt.mu.Unlock()

	if !subscribed {
		t.Error("Expected subscription to the command topic")
	}
	if device.SubscriberCount() != 1 {
		t.Errorf("Expected 1 device subscriber, got %d", device.SubscriberCount())
	}
}

func TestStartFailsWhenSubscribeFails(t *testing.T) {
	mqtt := NewMockMQTTClient()
	mqtt.subscribeErr = errors.New("broker refused")
	device := NewMockDevice()

	b, err := New(Options{DeviceID: "wf8-test", Device: device, MQTT: mqtt, StatusInterval: -1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(context.Background()); err == nil {
		t.Error("Expected Start to fail when subscribe fails")
	}
}

func TestTelemetryPublishedOnReading(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	device.SimulateReading(testReading())

	published := mqtt.GetPublishedOn("/telemetry")
	if len(published) != 1 {
		t.Fatalf("Expected 1 telemetry publish, got %d", len(published))
	}
	if published[0].topic != TelemetryTopic("wf8-test") {
		t.Errorf("Unexpected topic %s", published[0].topic)
	}
	if published[0].retained {
		t.Error("Telemetry must not be retained")
	}
	if published[0].qos != 1 {
		t.Errorf("Expected QoS 1, got %d", published[0].qos)
	}

	var msg TelemetryMessage
	if err := json.Unmarshal(published[0].payload, &msg); err != nil {
		t.Fatalf("Failed to unmarshal telemetry: %v", err)
	}
	if msg.DeviceID != "wf8-test" || msg.DeviceTimestamp != "ts1" {
		t.Errorf("Unexpected telemetry identity: %+v", msg)
	}
	if msg.Measurements["EC"].Value != 1250.5 {
		t.Errorf("Expected EC 1250.5, got %v", msg.Measurements["EC"].Value)
	}

	// Raw tokens and the raw line are session-level detail, not wire payload.
	var generic map[string]any
	if err := json.Unmarshal(published[0].payload, &generic); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if _, ok := generic["raw_line"]; ok {
		t.Error("Telemetry payload must not carry raw_line")
	}
	if ec, ok := generic["measurements"].(map[string]any)["EC"].(map[string]any); ok {
		if _, hasRaw := ec["raw"]; hasRaw {
			t.Error("Telemetry measurements must not carry raw tokens")
		}
	}

	if got := b.GetMetrics().TelemetrySent; got != 1 {
		t.Errorf("Expected 1 telemetry sent, got %d", got)
	}
}

func TestTelemetryDroppedWhenDisconnected(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	mqtt.SetConnected(false)
	device.SimulateReading(testReading())

	if published := mqtt.GetPublishedOn("/telemetry"); len(published) != 0 {
		t.Errorf("Expected no telemetry while disconnected, got %d", len(published))
	}
	if got := b.GetMetrics().TelemetryDropped; got != 1 {
		t.Errorf("Expected 1 dropped reading, got %d", got)
	}
}

func TestGetStatusCommand(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	sendCommand(t, mqtt, `{"type":"get_status","command_id":"cmd-1"}`)

	resp := lastResponse(t, mqtt)
	if resp.CommandID != "cmd-1" {
		t.Errorf("Expected command_id cmd-1, got %s", resp.CommandID)
	}
	if resp.Status != ResponseSuccess {
		t.Errorf("Expected success, got %s", resp.Status)
	}
	if resp.Message != "Device status retrieved" {
		t.Errorf("Unexpected message: %s", resp.Message)
	}

	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("Expected data object, got %T", resp.Data)
	}
	info, ok := data["device_info"].(map[string]any)
	if !ok {
		t.Fatal("Expected device_info in status data")
	}
	if info["device_id"] != "wf8-test" || info["model"] != "WaterFeature8" {
		t.Errorf("Unexpected device_info: %v", info)
	}
	if data["latest_reading"] != nil {
		t.Errorf("Expected null latest_reading before any sample, got %v", data["latest_reading"])
	}
}

func TestGetStatusIncludesLatestReading(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	device.SimulateReading(testReading())
	sendCommand(t, mqtt, `{"type":"get_status","command_id":"cmd-2"}`)

	resp := lastResponse(t, mqtt)
	data := resp.Data.(map[string]any)
	reading, ok := data["latest_reading"].(map[string]any)
	if !ok {
		t.Fatal("Expected latest_reading in status data after a sample")
	}
	if reading["device_timestamp"] != "ts1" {
		t.Errorf("Unexpected latest reading: %v", reading)
	}
}

func TestGetReadingCommand(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	// No data captured yet.
	sendCommand(t, mqtt, `{"type":"get_reading","command_id":"cmd-1"}`)
	resp := lastResponse(t, mqtt)
	if resp.Status != ResponseError || resp.Message != "No recent data available" {
		t.Errorf("Expected no-data error, got %s / %s", resp.Status, resp.Message)
	}

	device.SimulateReading(testReading())
	sendCommand(t, mqtt, `{"type":"get_reading","command_id":"cmd-2"}`)
	resp = lastResponse(t, mqtt)
	if resp.Status != ResponseSuccess || resp.Message != "Latest reading retrieved" {
		t.Errorf("Expected reading retrieved, got %s / %s", resp.Status, resp.Message)
	}
	reading, ok := resp.Data.(map[string]any)
	if !ok || reading["device_timestamp"] != "ts1" {
		t.Errorf("Expected full reading in data, got %v", resp.Data)
	}
}

func TestSendDeviceCommand(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	sendCommand(t, mqtt, `{"type":"send_device_command","command_id":"cmd-1","device_command":"Cal,mid,7.00"}`)

	resp := lastResponse(t, mqtt)
	if resp.Status != ResponseSuccess {
		t.Errorf("Expected success, got %s", resp.Status)
	}
	if resp.Message != "Command sent to device: Cal,mid,7.00" {
		t.Errorf("Unexpected message: %s", resp.Message)
	}
	if sent := device.GetSent(); len(sent) != 1 || sent[0] != "Cal,mid,7.00" {
		t.Errorf("Expected command forwarded to device, got %v", sent)
	}
}

func TestSendDeviceCommandFailure(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	device.sendErr = waterfeature.ErrNotConnected
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	sendCommand(t, mqtt, `{"type":"send_device_command","command_id":"cmd-1","device_command":"Status"}`)

	resp := lastResponse(t, mqtt)
	if resp.Status != ResponseError || resp.Message != "Failed to send command to device" {
		t.Errorf("Expected send failure response, got %s / %s", resp.Status, resp.Message)
	}
}

func TestUnknownCommandType(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	sendCommand(t, mqtt, `{"type":"reboot","command_id":"cmd-1"}`)

	resp := lastResponse(t, mqtt)
	if resp.Status != ResponseError || resp.Message != "Unknown command" {
		t.Errorf("Expected unknown-command error, got %s / %s", resp.Status, resp.Message)
	}
}

func TestMissingCommandIDDefaultsToUnknown(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	sendCommand(t, mqtt, `{"type":"get_status"}`)

	if resp := lastResponse(t, mqtt); resp.CommandID != "unknown" {
		t.Errorf("Expected command_id unknown, got %s", resp.CommandID)
	}
}

func TestMalformedCommandDroppedSilently(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	sendCommand(t, mqtt, `{not json`)

	if responses := mqtt.GetPublishedOn("/response"); len(responses) != 0 {
		t.Errorf("Expected no response to undecodable payload, got %d", len(responses))
	}
}

func TestStopPublishesRetainedOffline(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)

	b.Stop()

	statuses := mqtt.GetPublishedOn("/status")
	if len(statuses) == 0 {
		t.Fatal("Expected an offline status publish on Stop")
	}
	last := statuses[len(statuses)-1]
	if !last.retained {
		t.Error("Offline status must be retained")
	}

	var msg StatusMessage
	if err := json.Unmarshal(last.payload, &msg); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if msg.Status != StatusOffline || msg.Reason != "graceful_shutdown" {
		t.Errorf("Expected graceful offline status, got %+v", msg)
	}

	if device.SubscriberCount() != 0 {
		t.Error("Expected device subscription released on Stop")
	}

	// Idempotent.
	b.Stop()
}

func TestHandleBrokerConnectRepublishesOnline(t *testing.T) {
	mqtt := NewMockMQTTClient()
	device := NewMockDevice()
	b := newTestBridge(t, mqtt, device)
	defer b.Stop()

	mqtt.ClearPublished()
	b.HandleBrokerConnect()

	statuses := mqtt.GetPublishedOn("/status")
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 status publish on reconnect, got %d", len(statuses))
	}

	var msg StatusMessage
	if err := json.Unmarshal(statuses[0].payload, &msg); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if msg.Status != StatusOnline {
		t.Errorf("Expected online status, got %s", msg.Status)
	}
	if msg.DeviceInfo == nil || msg.DeviceInfo.DeviceID != "wf8-test" {
		t.Errorf("Expected device_info on online status, got %+v", msg.DeviceInfo)
	}
}

func TestTopicHelpers(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{TelemetryTopic("wf8-pond-01"), "waterfeature8/wf8-pond-01/telemetry"},
		{StatusTopic("wf8-pond-01"), "waterfeature8/wf8-pond-01/status"},
		{CommandTopic("wf8-pond-01"), "waterfeature8/wf8-pond-01/command"},
		{ResponseTopic("wf8-pond-01"), "waterfeature8/wf8-pond-01/response"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, tt.got)
		}
	}
}
