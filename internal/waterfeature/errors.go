package waterfeature

import "errors"

// Domain errors for the waterfeature package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when an operation requires an open serial
	// transport but the device is disconnected.
	ErrNotConnected = errors.New("waterfeature: not connected to device")

	// ErrConnectionFailed is returned when the serial port cannot be opened.
	ErrConnectionFailed = errors.New("waterfeature: connection failed")

	// ErrInsufficientFields is returned when a line has fewer than two
	// comma-separated fields and cannot be a reading.
	ErrInsufficientFields = errors.New("waterfeature: insufficient fields in reading")

	// ErrWriteFailed is returned when writing a command to the device fails.
	ErrWriteFailed = errors.New("waterfeature: command write failed")
)
