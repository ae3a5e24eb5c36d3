// Package waterfeature provides the serial interface to the WaterFeature8
// water-quality instrument.
//
// This package manages:
//   - The serial connection lifecycle (connect, disconnect, reconnect by caller)
//   - Parsing the instrument's CSV line protocol into typed readings
//   - The continuous acquisition loop with a minimum-interval sampling gate
//   - Fan-out of accepted readings to registered subscribers
//   - Raw command forwarding to the instrument
//
// # Wire Protocol
//
// The instrument emits one reading per line over the serial port:
//
//	<device_timestamp>,<EC>,<RTD_EC>,<pH>,<RTD_pH>,<DO>,<RTD_DO>,<ORP>
//
// The first field is the device's own clock and is carried through verbatim.
// The remaining fields map positionally onto the fixed channel catalogue
// (see Channels). Tokens that fail numeric conversion are recorded as 0.0
// with the original token preserved, so degraded data is visible rather
// than fatal. Outbound commands are CR+LF terminated ASCII text.
//
// # Concurrency
//
// A Device runs at most one acquisition goroutine. The latest reading lives
// in a mutex-guarded single slot; readers always receive an independent
// copy. Subscriber callbacks run synchronously on the acquisition goroutine,
// outside any lock, in registration order. A panicking subscriber is
// recovered and logged without affecting the loop or other subscribers.
//
// # Usage
//
//	dev, err := waterfeature.New(waterfeature.Options{
//	    DeviceID:       "waterfeature8-001",
//	    Port:           "/dev/ttyUSB0",
//	    Baud:           115200,
//	    SampleInterval: 60 * time.Second,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := dev.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Disconnect()
//
//	dev.Subscribe(func(r waterfeature.Reading) {
//	    fmt.Println(r.DeviceTimestamp, r.Measurements["pH"].Value)
//	})
//	dev.Start()
package waterfeature
