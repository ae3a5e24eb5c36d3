package waterfeature

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// readChunkSize is the size of the buffer for a single serial read.
const readChunkSize = 256

// Transport is the byte-stream interface the acquisition loop reads from.
// The real implementation wraps a serial port; tests substitute a scripted
// stream.
type Transport interface {
	// ReadLine returns the next complete line with its terminator stripped.
	// ok is false when no complete line arrived within the transport's read
	// timeout — that is the normal idle case, not an error. A non-nil error
	// means the underlying link failed and the transport is unusable.
	ReadLine() (line string, ok bool, err error)

	// Write sends raw bytes to the device.
	Write(data []byte) error

	// Close releases the underlying port. Safe to call multiple times.
	Close() error
}

// OpenSerial opens the instrument's serial port and wraps it in a
// line-assembling Transport. readTimeout bounds each poll cycle; the
// WaterFeature8 ships with 8N1 framing, which is the tarm default.
func OpenSerial(port string, baud int, readTimeout time.Duration) (Transport, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, port, err)
	}
	return NewLineTransport(p), nil
}

// lineTransport assembles newline-delimited text from a raw byte stream.
// ReadLine is called from the single acquisition goroutine; Write may be
// called concurrently from command forwarding.
type lineTransport struct {
	rwc       io.ReadWriteCloser
	buf       bytes.Buffer
	chunk     []byte
	closeOnce sync.Once
	closeErr  error
}

// NewLineTransport wraps a raw byte stream in line assembly. A read that
// returns io.EOF with no data is treated as a timeout tick, matching the
// behaviour of a serial port with a read deadline.
func NewLineTransport(rwc io.ReadWriteCloser) Transport {
	return &lineTransport{
		rwc:   rwc,
		chunk: make([]byte, readChunkSize),
	}
}

func (t *lineTransport) ReadLine() (string, bool, error) {
	if line, ok := t.takeLine(); ok {
		return line, true, nil
	}

	n, err := t.rwc.Read(t.chunk)
	if n > 0 {
		t.buf.Write(t.chunk[:n])
		if line, ok := t.takeLine(); ok {
			return line, true, nil
		}
	}
	if err != nil {
		// A zero-byte read deadline expiry surfaces as io.EOF on serial
		// ports; the port is still usable.
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("serial read: %w", err)
	}

	return "", false, nil
}

// takeLine extracts one complete line from the assembly buffer, stripping
// the terminator and replacing invalid byte sequences.
func (t *lineTransport) takeLine() (string, bool) {
	idx := bytes.IndexByte(t.buf.Bytes(), '\n')
	if idx < 0 {
		return "", false
	}
	raw := t.buf.Next(idx + 1)
	line := strings.TrimRight(string(raw), "\r\n")
	return strings.ToValidUTF8(line, "�"), true
}

func (t *lineTransport) Write(data []byte) error {
	if _, err := t.rwc.Write(data); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (t *lineTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.rwc.Close()
	})
	return t.closeErr
}
