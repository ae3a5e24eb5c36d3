// WaterFeature8 Bridge - Serial to MQTT gateway
//
// This is the main entry point for the WaterFeature8 bridge. It connects a
// serial-attached WaterFeature8 water-quality instrument to an MQTT broker:
//   - Publishes accepted samples to the telemetry topic
//   - Answers cloud commands (status, latest reading, raw passthrough)
//   - Maintains a retained availability status with an LWT fallback
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SmabilityAI/WaterFeature8/internal/bridge"
	"github.com/SmabilityAI/WaterFeature8/internal/infrastructure/config"
	"github.com/SmabilityAI/WaterFeature8/internal/infrastructure/logging"
	"github.com/SmabilityAI/WaterFeature8/internal/infrastructure/mqtt"
	"github.com/SmabilityAI/WaterFeature8/internal/waterfeature"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting WaterFeature8 bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the serial session to the instrument
	device, err := waterfeature.New(waterfeature.Options{
		DeviceID:       cfg.Device.ID,
		Port:           cfg.Serial.Port,
		Baud:           cfg.Serial.Baud,
		ReadTimeout:    cfg.GetSerialReadTimeout(),
		SampleInterval: cfg.GetSampleInterval(),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating device session: %w", err)
	}

	if err := device.Connect(); err != nil {
		return fmt.Errorf("connecting to device: %w", err)
	}
	defer device.Disconnect()
	log.Info("device connected",
		"device_id", cfg.Device.ID,
		"port", cfg.Serial.Port,
		"baud", cfg.Serial.Baud,
	)

	// Register the LWT before connecting so an ungraceful drop still flips
	// the retained status to offline.
	lwtPayload, err := json.Marshal(bridge.NewLWTMessage(cfg.Device.ID))
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:    bridge.StatusTopic(cfg.Device.ID),
		Payload:  lwtPayload,
		QoS:      byte(cfg.MQTT.QoS),
		Retained: true,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Create the bridge
	wf8Bridge, err := bridge.New(bridge.Options{
		DeviceID:       cfg.Device.ID,
		Device:         device,
		MQTT:           mqttClient,
		QoS:            byte(cfg.MQTT.QoS),
		StatusInterval: cfg.GetStatusInterval(),
		ShutdownGrace:  cfg.GetShutdownGrace(),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Re-publish the retained online status on every (re)connect; the LWT
	// only covers the broker-side view of an ungraceful drop.
	mqttClient.SetOnConnect(wf8Bridge.HandleBrokerConnect)
	mqttClient.SetOnDisconnect(wf8Bridge.HandleBrokerDisconnect)

	if err := wf8Bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer wf8Bridge.Stop()
	log.Info("bridge started", "telemetry_topic", bridge.TelemetryTopic(cfg.Device.ID))

	// Begin sampling
	if err := device.Start(); err != nil {
		return fmt.Errorf("starting acquisition: %w", err)
	}
	defer device.Stop()

	// Verify connections are healthy
	if err := healthCheck(ctx, device, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Stop sampling
	// 2. Bridge stop (retained offline status, then grace period)
	// 3. MQTT disconnect
	// 4. Serial disconnect

	log.Info("WaterFeature8 bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses WF8_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WF8_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the serial and broker connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - device: Serial session to check
//   - mqttClient: MQTT client to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, device *waterfeature.Device, mqttClient *mqtt.Client) error {
	if !device.IsConnected() {
		return fmt.Errorf("device: %w", waterfeature.ErrNotConnected)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	return nil
}
