package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/SmabilityAI/WaterFeature8/internal/waterfeature"
)

// defaultStatusInterval is how often the retained online status is refreshed.
const defaultStatusInterval = 5 * time.Minute

// StatusPublisher is the interface for publishing availability messages.
// This is typically implemented by an MQTT client.
type StatusPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// StatusReporterConfig holds configuration for the status reporter.
type StatusReporterConfig struct {
	// DeviceID is the instrument identifier used in topics and payloads.
	DeviceID string

	// QoS is the quality of service for status publishes.
	QoS byte

	// Interval is how often the retained online status is refreshed.
	// Default: 5 minutes.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher StatusPublisher

	// Info supplies the current device identity for online messages.
	Info func() waterfeature.DeviceInfo
}

// StatusReporter publishes the bridge's retained availability status: an
// initial online message, periodic refreshes, and the explicit offline
// message on shutdown. The LWT payload it builds covers the ungraceful case.
type StatusReporter struct {
	deviceID  string
	qos       byte
	interval  time.Duration
	publisher StatusPublisher
	info      func() waterfeature.DeviceInfo

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// NewStatusReporter creates a status reporter. Call Start to begin the
// periodic refresh.
func NewStatusReporter(cfg StatusReporterConfig) *StatusReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultStatusInterval
	}

	return &StatusReporter{
		deviceID:  cfg.DeviceID,
		qos:       cfg.QoS,
		interval:  interval,
		publisher: cfg.Publisher,
		info:      cfg.Info,
		done:      make(chan struct{}),
	}
}

// Start begins periodic online status refreshes. A negative interval
// disables the loop; the initial and shutdown publishes still happen via
// PublishOnline and PublishOffline.
func (s *StatusReporter) Start(ctx context.Context) {
	if s.interval < 0 {
		return
	}
	s.wg.Add(1)
	go s.refreshLoop(ctx)
}

// Stop halts the refresh loop. Safe to call multiple times. The offline
// publish is the owner's responsibility so it can sequence the shutdown.
func (s *StatusReporter) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// SetLogger sets the logger for this reporter.
func (s *StatusReporter) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// PublishOnline publishes a retained online status with the current device
// identity.
func (s *StatusReporter) PublishOnline() error {
	msg := StatusMessage{
		DeviceID:  s.deviceID,
		Status:    StatusOnline,
		Timestamp: time.Now().UTC(),
	}
	if s.info != nil {
		info := s.info()
		msg.DeviceInfo = &info
	}
	return s.publishStatus(msg)
}

// PublishOffline publishes a retained offline status with the given reason.
// Overwrites the retained online message so late subscribers see the bridge
// as down.
func (s *StatusReporter) PublishOffline(reason string) error {
	return s.publishStatus(StatusMessage{
		DeviceID:  s.deviceID,
		Status:    StatusOffline,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	})
}

// LWTPayload returns the Last Will and Testament message payload.
// This should be set as the MQTT will message during connection.
func (s *StatusReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(s.deviceID))
}

// LWTTopic returns the topic for the Last Will and Testament.
func (s *StatusReporter) LWTTopic() string {
	return StatusTopic(s.deviceID)
}

// refreshLoop re-publishes the retained online status at the configured
// interval so the retained slot carries a fresh timestamp.
func (s *StatusReporter) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.PublishOnline(); err != nil {
		s.logError("failed to publish initial status", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.PublishOnline(); err != nil {
				s.logError("failed to refresh status", err)
			}
		}
	}
}

// publishStatus serialises and publishes one retained status message.
func (s *StatusReporter) publishStatus(msg StatusMessage) error {
	if s.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return s.publisher.Publish(StatusTopic(s.deviceID), payload, s.qos, true)
}

// logError logs an error if logger is set.
func (s *StatusReporter) logError(msg string, err error) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
