package waterfeature

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Acquisition loop constants.
const (
	// defaultSampleInterval is the minimum spacing between accepted samples.
	defaultSampleInterval = 60 * time.Second

	// defaultReadTimeout bounds a single serial poll cycle.
	defaultReadTimeout = time.Second

	// pollYield is the pause between polls to avoid busy-spinning.
	pollYield = 10 * time.Millisecond

	// stopJoinTimeout is how long Stop waits for the acquisition loop to
	// exit before proceeding anyway. Worst-case stop latency is one poll
	// cycle plus the read timeout.
	stopJoinTimeout = 2 * time.Second

	// defaultModel is the instrument model identifier.
	defaultModel = "WaterFeature8"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a Device.
type Options struct {
	// DeviceID identifies the instrument in readings and topic paths.
	DeviceID string

	// Port is the serial device path (e.g., "/dev/ttyUSB0").
	Port string

	// Baud is the serial line speed.
	Baud int

	// ReadTimeout bounds each serial poll. Default: 1 second.
	ReadTimeout time.Duration

	// SampleInterval is the minimum spacing between accepted samples.
	// Lines arriving sooner are discarded by the gate, not queued.
	// Default: 60 seconds. A negative value disables the gate.
	SampleInterval time.Duration

	// OpenTransport overrides how the serial transport is opened.
	// Used by tests; defaults to OpenSerial with the options above.
	OpenTransport func() (Transport, error)

	// Logger is an optional structured logger.
	Logger Logger
}

// DeviceInfo describes the instrument's identity, link parameters, and
// current connectivity.
type DeviceInfo struct {
	DeviceID string    `json:"device_id"`
	Model    string    `json:"model"`
	Port     string    `json:"port"`
	Baud     int       `json:"baud"`
	Channels []Channel `json:"channels"`
	Status   string    `json:"status"`
}

// Stats holds operational counters for the session.
type Stats struct {
	LinesRead       uint64
	SamplesAccepted uint64
	SamplesSkipped  uint64
	ParseFailures   uint64
	CallbackFaults  uint64
	SendErrors      uint64
	Connected       bool
	Sampling        bool
}

// Device is the session wrapper around the instrument's serial link.
//
// It owns the acquisition loop, the latest-reading slot, and the subscriber
// set. All methods are safe for concurrent use. A transport read failure
// terminates the loop and drops the connection; reconnecting is an explicit
// caller action (Connect followed by Start).
type Device struct {
	opts Options
	open func() (Transport, error)

	// transport is nil while disconnected.
	transport Transport
	connMu    sync.RWMutex

	// sampling coordination; stopCh/loopDone are fresh per Start.
	sampling atomic.Bool
	stopCh   chan struct{}
	loopDone chan struct{}
	stopMu   sync.Mutex

	// latest is the single-slot most recent reading; readers copy out.
	latest   *Reading
	latestMu sync.Mutex

	subscribers map[int]func(Reading)
	nextSubID   int
	subMu       sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex

	linesRead       atomic.Uint64
	samplesAccepted atomic.Uint64
	samplesSkipped  atomic.Uint64
	parseFailures   atomic.Uint64
	callbackFaults  atomic.Uint64
	sendErrors      atomic.Uint64
}

// New creates a device session. Call Connect and Start to begin sampling.
func New(opts Options) (*Device, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if opts.Port == "" {
		return nil, fmt.Errorf("serial port is required")
	}
	if opts.Baud <= 0 {
		return nil, fmt.Errorf("baud rate must be positive")
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = defaultSampleInterval
	}

	d := &Device{
		opts:        opts,
		open:        opts.OpenTransport,
		subscribers: make(map[int]func(Reading)),
		logger:      opts.Logger,
	}
	if d.open == nil {
		d.open = func() (Transport, error) {
			return OpenSerial(opts.Port, opts.Baud, opts.ReadTimeout)
		}
	}
	return d, nil
}

// Connect opens the serial transport. Failure is reported, not retried —
// retry policy belongs to the caller. No-op when already connected.
func (d *Device) Connect() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.transport != nil {
		return nil
	}

	tr, err := d.open()
	if err != nil {
		return err
	}
	d.transport = tr

	d.logInfo("connected to device", "port", d.opts.Port, "baud", d.opts.Baud)
	return nil
}

// Disconnect stops sampling if active, then closes the transport.
// Idempotent.
func (d *Device) Disconnect() {
	d.Stop()

	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.transport == nil {
		return
	}
	if err := d.transport.Close(); err != nil {
		d.logWarn("error closing serial port", "error", err)
	}
	d.transport = nil
	d.logInfo("disconnected from device")
}

// Start begins the acquisition loop. Returns ErrNotConnected when no
// transport is open; no-op when sampling is already active.
func (d *Device) Start() error {
	d.connMu.RLock()
	tr := d.transport
	d.connMu.RUnlock()

	if tr == nil {
		return ErrNotConnected
	}
	if !d.sampling.CompareAndSwap(false, true) {
		return nil
	}

	d.stopMu.Lock()
	d.stopCh = make(chan struct{})
	d.loopDone = make(chan struct{})
	stopCh, loopDone := d.stopCh, d.loopDone
	d.stopMu.Unlock()

	go d.readLoop(tr, stopCh, loopDone)

	d.logInfo("sampling started", "interval", d.opts.SampleInterval.String())
	return nil
}

// Stop signals the acquisition loop and joins it with a bounded wait.
// If the join times out, Stop proceeds anyway (logged). No-op when not
// sampling.
func (d *Device) Stop() {
	if !d.sampling.Load() {
		return
	}

	d.stopMu.Lock()
	stopCh, loopDone := d.stopCh, d.loopDone
	d.stopCh = nil
	d.stopMu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-time.After(stopJoinTimeout):
			d.logWarn("acquisition loop did not exit within join window")
		}
	}

	d.sampling.Store(false)
	d.logInfo("sampling stopped")
}

// readLoop polls the transport until stopped or the link fails.
func (d *Device) readLoop(tr Transport, stopCh <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)

	var lastAccepted time.Time

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		line, ok, err := tr.ReadLine()
		if err != nil {
			// The link is assumed broken; terminate rather than retry.
			d.logError("serial read failed, stopping acquisition", err)
			d.dropTransport(tr)
			return
		}
		if !ok {
			time.Sleep(pollYield)
			continue
		}

		d.linesRead.Add(1)

		if strings.TrimSpace(line) == "" {
			continue
		}

		// The gate measures wall-clock arrival against the last accepted
		// sample; lines inside the window are dropped, never queued.
		now := time.Now()
		if d.opts.SampleInterval > 0 && !lastAccepted.IsZero() && now.Sub(lastAccepted) < d.opts.SampleInterval {
			d.samplesSkipped.Add(1)
			d.logDebug("sample gated", "since_last", now.Sub(lastAccepted).String())
			continue
		}

		reading, err := ParseReading(line, d.opts.DeviceID)
		if err != nil {
			// A failed parse does not advance the gate.
			d.parseFailures.Add(1)
			d.logWarn("dropping unparseable line", "line", line, "error", err)
			continue
		}

		lastAccepted = now
		d.samplesAccepted.Add(1)

		d.latestMu.Lock()
		d.latest = &reading
		d.latestMu.Unlock()

		d.fanOut(reading)
	}
}

// dropTransport closes the failed transport and marks the session
// disconnected, unless a newer transport has already replaced it.
func (d *Device) dropTransport(tr Transport) {
	d.connMu.Lock()
	if d.transport == tr {
		tr.Close()
		d.transport = nil
	}
	d.connMu.Unlock()

	d.sampling.Store(false)
}

// fanOut invokes every subscriber with its own copy of the reading.
// The subscriber set is snapshotted first so concurrent Subscribe and
// Unsubscribe calls never corrupt an in-flight dispatch; callbacks run
// outside all locks.
func (d *Device) fanOut(r Reading) {
	d.subMu.Lock()
	ids := make([]int, 0, len(d.subscribers))
	for id := range d.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]func(Reading), 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, d.subscribers[id])
	}
	d.subMu.Unlock()

	for _, fn := range snapshot {
		d.invokeSubscriber(fn, r.Copy())
	}
}

// invokeSubscriber calls one callback with panic recovery, so a faulty
// subscriber never aborts the loop or starves the remaining subscribers.
func (d *Device) invokeSubscriber(fn func(Reading), r Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			d.callbackFaults.Add(1)
			d.logError("subscriber panic recovered", fmt.Errorf("%v", rec))
		}
	}()
	fn(r)
}

// SendCommand writes a CR+LF terminated command to the device.
// Returns ErrNotConnected when no transport is open, ErrWriteFailed when
// the write itself fails.
func (d *Device) SendCommand(command string) error {
	d.connMu.RLock()
	tr := d.transport
	d.connMu.RUnlock()

	if tr == nil {
		return ErrNotConnected
	}

	if err := tr.Write([]byte(command + "\r\n")); err != nil {
		d.sendErrors.Add(1)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	d.logDebug("command sent", "command", command)
	return nil
}

// LatestReading returns a copy of the most recent accepted sample.
// ok is false when no sample has been captured yet. The copy never aliases
// the internal slot.
func (d *Device) LatestReading() (Reading, bool) {
	d.latestMu.Lock()
	defer d.latestMu.Unlock()

	if d.latest == nil {
		return Reading{}, false
	}
	return d.latest.Copy(), true
}

// Subscribe registers a callback for accepted readings and returns an
// identifier for Unsubscribe. Safe to call while the loop is active.
func (d *Device) Subscribe(fn func(Reading)) int {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.nextSubID++
	id := d.nextSubID
	d.subscribers[id] = fn
	return id
}

// Unsubscribe removes a previously registered callback. Unknown ids are
// ignored.
func (d *Device) Unsubscribe(id int) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	delete(d.subscribers, id)
}

// Info returns the instrument's identity and current connectivity.
func (d *Device) Info() DeviceInfo {
	status := "disconnected"
	if d.IsConnected() {
		status = "connected"
	}
	return DeviceInfo{
		DeviceID: d.opts.DeviceID,
		Model:    defaultModel,
		Port:     d.opts.Port,
		Baud:     d.opts.Baud,
		Channels: Channels(),
		Status:   status,
	}
}

// IsConnected reports whether a serial transport is currently open.
func (d *Device) IsConnected() bool {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	return d.transport != nil
}

// IsSampling reports whether the acquisition loop is running.
func (d *Device) IsSampling() bool {
	return d.sampling.Load()
}

// Stats returns current operational counters.
func (d *Device) Stats() Stats {
	return Stats{
		LinesRead:       d.linesRead.Load(),
		SamplesAccepted: d.samplesAccepted.Load(),
		SamplesSkipped:  d.samplesSkipped.Load(),
		ParseFailures:   d.parseFailures.Load(),
		CallbackFaults:  d.callbackFaults.Load(),
		SendErrors:      d.sendErrors.Load(),
		Connected:       d.IsConnected(),
		Sampling:        d.IsSampling(),
	}
}

// SetLogger sets the logger for the session.
func (d *Device) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// logInfo logs an info message if logger is set.
func (d *Device) logInfo(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (d *Device) logWarn(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (d *Device) logError(msg string, err error) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (d *Device) logDebug(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
