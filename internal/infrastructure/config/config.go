package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the WaterFeature8 bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Serial  SerialConfig  `yaml:"serial"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig identifies the sensor this bridge fronts.
type DeviceConfig struct {
	// ID is the device identifier used in topic paths and payloads
	// (e.g., "waterfeature8-001").
	ID string `yaml:"id"`

	// SampleInterval is the minimum spacing between accepted samples,
	// in seconds. Lines arriving sooner are discarded by the gate.
	SampleInterval int `yaml:"sample_interval"`
}

// SerialConfig contains serial port settings for the sensor link.
type SerialConfig struct {
	// Port is the serial device path (e.g., "/dev/ttyUSB0").
	Port string `yaml:"port"`

	// Baud is the line speed. The WaterFeature8 ships at 115200.
	Baud int `yaml:"baud"`

	// ReadTimeout is the per-poll read timeout in seconds.
	ReadTimeout int `yaml:"read_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	TLS       MQTTTLSConfig       `yaml:"tls"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTLSConfig contains certificate paths for mutual-TLS brokers
// (AWS IoT Core and similar). All three paths must be set together;
// leave them empty for server-side TLS or plain TCP.
type MQTTTLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// BridgeConfig contains bridge behaviour settings.
type BridgeConfig struct {
	// StatusInterval is how often (seconds) the retained online status is
	// re-published with a fresh timestamp. 0 uses the built-in default;
	// connect/disconnect publications always happen.
	StatusInterval int `yaml:"status_interval"`

	// ShutdownGrace is the pause (seconds) between publishing the offline
	// status and disconnecting, so the message reaches the broker.
	ShutdownGrace int `yaml:"shutdown_grace"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WF8_SECTION_KEY
// For example: WF8_SERIAL_PORT, WF8_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:             "waterfeature8-001",
			SampleInterval: 60,
		},
		Serial: SerialConfig{
			Port:        "/dev/tty.usbserial-14110",
			Baud:        115200,
			ReadTimeout: 1,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Bridge: BridgeConfig{
			StatusInterval: 300,
			ShutdownGrace:  1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WF8_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := os.Getenv("WF8_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}

	// Serial
	if v := os.Getenv("WF8_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("WF8_SERIAL_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			cfg.Serial.Baud = baud
		}
	}

	// MQTT
	if v := os.Getenv("WF8_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WF8_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WF8_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Device validation
	if c.Device.ID == "" {
		errs = append(errs, "device.id is required")
	}
	if c.Device.SampleInterval < 0 {
		errs = append(errs, "device.sample_interval must not be negative")
	}

	// Serial validation
	if c.Serial.Port == "" {
		errs = append(errs, "serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, "serial.baud must be positive")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Mutual-TLS certificate paths are all-or-none: a partial set means a
	// misconfigured deployment, better caught at startup than at connect.
	set := 0
	for _, p := range []string{c.MQTT.TLS.CAFile, c.MQTT.TLS.CertFile, c.MQTT.TLS.KeyFile} {
		if p != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		errs = append(errs, "mqtt.tls requires ca_file, cert_file and key_file together")
	}

	// Bridge validation
	if c.Bridge.StatusInterval < 0 {
		errs = append(errs, "bridge.status_interval must not be negative")
	}
	if c.Bridge.ShutdownGrace < 0 {
		errs = append(errs, "bridge.shutdown_grace must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetSampleInterval returns the sampling gate interval as a Duration.
func (c *Config) GetSampleInterval() time.Duration {
	return time.Duration(c.Device.SampleInterval) * time.Second
}

// GetSerialReadTimeout returns the serial read timeout as a Duration.
func (c *Config) GetSerialReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeout) * time.Second
}

// GetStatusInterval returns the status re-publish interval as a Duration.
func (c *Config) GetStatusInterval() time.Duration {
	return time.Duration(c.Bridge.StatusInterval) * time.Second
}

// GetShutdownGrace returns the offline-publish grace period as a Duration.
func (c *Config) GetShutdownGrace() time.Duration {
	return time.Duration(c.Bridge.ShutdownGrace) * time.Second
}
