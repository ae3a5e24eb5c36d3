// Package mqtt provides MQTT client connectivity for the WaterFeature8 bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) registration for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge speaks MQTT to a cloud broker (AWS IoT Core, Mosquitto, or any
// standard broker). This package owns the transport only; topic names and
// payload shapes belong to the bridge layer, which also supplies the LWT
// registration at connect time.
//
//	WaterFeature8 device ↔ serial ↔ bridge ↔ MQTT broker ↔ cloud
//
// # Security Considerations
//
//   - TLS is required for cloud deployments (cfg.Broker.TLS=true)
//   - AWS IoT Core uses mutual TLS: set the CA, certificate, and key paths
//   - Anonymous plain-TCP access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Publish latency: <10ms for QoS 1 to a local broker
//   - Reconnect: Exponential backoff between the configured delays
//   - Throughput: one reading a minute leaves the broker essentially idle
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:    "waterfeature8/wf8-pond-01/status",
//	    Payload:  lwtPayload,
//	    QoS:      1,
//	    Retained: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Receive commands
//	err = client.Subscribe("waterfeature8/wf8-pond-01/command", 1,
//	    func(topic string, payload []byte) error {
//	        return handleCommand(payload)
//	    })
//
//	// Publish telemetry
//	err = client.Publish("waterfeature8/wf8-pond-01/telemetry", payload, 1, false)
package mqtt
