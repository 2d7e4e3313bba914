// Package monitor runs the per-connection state machine that owns a
// bus, decodes the frames it observes, publishes their values as
// metrics, and services operator-injected transactions.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dulitz/finitude/pkg/bus"
	"github.com/dulitz/finitude/pkg/changelog"
	"github.com/dulitz/finitude/pkg/frame"
	"github.com/dulitz/finitude/pkg/metrics"
	"github.com/dulitz/finitude/pkg/registry"
	"github.com/dulitz/finitude/pkg/sqlsink"
	"github.com/dulitz/finitude/pkg/stream"
	"github.com/dulitz/finitude/pkg/transaction"
)

// State is the monitor's connection lifecycle state.
type State int

const (
	StateNew State = iota
	StateOpening
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOpening:
		return "OPENING"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Config names one monitored connection.
type Config struct {
	// ID labels this connection's metrics and log lines.
	ID string
	// Endpoint is passed to stream.Open: a serial path, file://,
	// localfile://, or telnet:// URI.
	Endpoint string
	// RequireAck06 preserves a native bus master's priority: writes
	// are only attempted immediately after observing an ACK06. Leave
	// true for any system with a thermostat already on the bus; set
	// false only when this monitor is the sole bus master.
	RequireAck06 bool
	// ReconnectDelay is how long Run waits after a failed open or a
	// runtime fault before retrying. Defaults to one second.
	ReconnectDelay time.Duration
	// Sink, if set, archives every successfully decoded register value
	// alongside the change-log. Left nil, no archival happens.
	Sink *sqlsink.Sink
}

// Snapshot is a point-in-time, copy-safe view of a Monitor's state,
// taken under lock so callers never observe a partially updated
// struct.
type Snapshot struct {
	ID               string
	State            State
	Synchronized     bool
	StoredFrameCount int
	SequenceLength   int
	PendingWrites    int
}

// Monitor owns one bus connection end to end: it reconnects on fault,
// decodes frames into named register values, publishes them as
// metrics, optionally records a change-only log, and services queued
// operator transactions.
type Monitor struct {
	cfg     Config
	schema  registry.Schema
	metrics *metrics.Registry
	zones   *metrics.ZoneNameCache
	log     *changelog.Log
	queue   *transaction.Queue
	logger  *log.Logger
	sink    *sqlsink.Sink

	mu           sync.Mutex
	state        State
	synchronized bool
	capturing    bool
	activeBus    *bus.Bus

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Monitor. It does not open a connection; call Run to
// do that.
func New(cfg Config, schema registry.Schema, reg *metrics.Registry, logger *log.Logger) *Monitor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Monitor{
		cfg:     cfg,
		schema:  schema,
		metrics: reg,
		zones:   metrics.NewZoneNameCache(),
		log:     changelog.New(),
		queue:   transaction.NewQueue(),
		logger:  logger,
		sink:    cfg.Sink,
		stopCh:  make(chan struct{}),
	}
}

// ID returns the connection name this monitor was configured with.
func (m *Monitor) ID() string {
	return m.cfg.ID
}

// Stop requests that Run return at its next opportunity. It is safe to
// call more than once and from any goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Snapshot returns a consistent copy of this monitor's current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ID:               m.cfg.ID,
		State:            m.state,
		Synchronized:     m.synchronized,
		StoredFrameCount: m.log.StoredFrameCount(),
		SequenceLength:   m.log.SequenceLength(),
		PendingWrites:    m.queue.Len(),
	}
}

// SetCapture enables or disables change-only recording. Enabling it
// resets the log, matching a fresh sniffing session rather than
// replaying history gathered before it was turned on.
func (m *Monitor) SetCapture(on bool) {
	m.mu.Lock()
	m.capturing = on
	m.mu.Unlock()
	if on {
		m.log.Reset()
	}
}

// ChangeLog returns the monitor's change-only log for inspection.
func (m *Monitor) ChangeLog() *changelog.Log {
	return m.log
}

// SendWithResponse queues an operator-injected frame and waits up to
// timeout for its correlated reply, returning (nil, nil) on timeout.
func (m *Monitor) SendWithResponse(ctx context.Context, dest, source uint16, fn frame.Function, data []byte, timeout time.Duration) (*frame.Frame, error) {
	return m.queue.SendWithResponse(ctx, dest, source, fn, data, timeout)
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) setSynchronized(v bool) {
	m.mu.Lock()
	changed := m.synchronized != v
	m.synchronized = v
	m.mu.Unlock()
	if changed {
		m.metrics.SetSynchronized(m.cfg.ID, v)
	}
}

func (m *Monitor) reportCRCError() {
	m.mu.Lock()
	wasSync := m.synchronized
	m.synchronized = false
	m.mu.Unlock()
	if wasSync {
		m.metrics.SetSynchronized(m.cfg.ID, false)
		m.metrics.IncDesyncs(m.cfg.ID)
	}
}

func (m *Monitor) getBus() *bus.Bus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeBus
}

func (m *Monitor) isCapturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

func (m *Monitor) open() error {
	s, err := stream.Open(m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("monitor %s: %w", m.cfg.ID, err)
	}
	b := bus.New(s, m.cfg.RequireAck06, m.reportCRCError)
	m.mu.Lock()
	m.activeBus = b
	m.mu.Unlock()
	m.metrics.IncReconnects(m.cfg.ID)
	if m.logger != nil {
		m.logger.Printf("%s: connected via %s", m.cfg.ID, s.String())
	}
	return nil
}

func (m *Monitor) closeBus() {
	m.mu.Lock()
	b := m.activeBus
	m.activeBus = nil
	m.mu.Unlock()
	if b != nil {
		b.Close()
	}
}

// Run opens the connection and processes frames until ctx is canceled
// or Stop is called, transparently reconnecting (with ReconnectDelay
// backoff) on any read/write fault. It returns nil on a clean shutdown
// and a non-nil error only if the very first connection attempt fails
// before ctx or Stop ever fire.
func (m *Monitor) Run(ctx context.Context) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		default:
		}

		m.setState(StateOpening)
		if err := m.open(); err != nil {
			if m.logger != nil {
				m.logger.Printf("%s: %v", m.cfg.ID, err)
			}
			if first {
				return err
			}
			if !m.sleepOrStop(ctx) {
				return nil
			}
			continue
		}
		first = false

		m.setState(StateRunning)
		if err := m.runLoop(ctx); err != nil {
			if m.logger != nil {
				m.logger.Printf("%s: %v, reconnecting", m.cfg.ID, err)
			}
			m.closeBus()
			if !m.sleepOrStop(ctx) {
				return nil
			}
			continue
		}
		return nil
	}
}

func (m *Monitor) sleepOrStop(ctx context.Context) bool {
	timer := time.NewTimer(m.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (m *Monitor) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		default:
		}
		b := m.getBus()
		fr, err := b.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.metrics.IncFrames(m.cfg.ID)
		m.setSynchronized(true)

		label, payload, rest, values := m.processFrame(fr)
		if m.isCapturing() && label != "" {
			m.log.Append(time.Now(), label, payload, rest)
			m.metrics.SetStoredFrameCount(m.cfg.ID, m.log.StoredFrameCount())
			m.metrics.SetChangeSequenceLength(m.cfg.ID, m.log.SequenceLength())
		}
		if m.sink != nil && label != "" && values != nil && values.Len() > 0 {
			if err := m.sink.Record(m.cfg.ID, label, values, time.Now()); err != nil && m.logger != nil {
				m.logger.Printf("%s: archiving %s: %v", m.cfg.ID, label, err)
			}
		}
		if err := m.queue.Service(fr, b); err != nil {
			return err
		}
	}
}

// processFrame decodes fr if it carries a register value (a WRITE or
// ACK06 with at least 3 payload bytes; READ requests are not decoded),
// publishes the decoded fields as
// metrics when it is an ACK06 with values, and returns a change-log
// label plus the frame's payload, undecoded remainder, and decoded
// values (nil whenever decoding did not succeed). It returns
// ("", nil, nil, nil) for frames that do not name a register.
func (m *Monitor) processFrame(fr *frame.Frame) (label string, payload, rest []byte, values *registry.Values) {
	isWrite := fr.Func == frame.WRITE
	isAck := fr.Func == frame.ACK06
	if len(fr.Data) < 3 || !(isWrite || isAck) {
		return "", nil, nil, nil
	}

	regID := fr.RegisterID()
	entry, known := m.schema.Lookup(regID)
	hexID := frame.RegisterHex(regID)
	var name string
	if known {
		name = fmt.Sprintf("%s(%s)", entry.Name, hexID)
	} else {
		entry = registry.RegisterEntry{Name: "register"}
		name = fmt.Sprintf("register(%s)", hexID)
	}

	writePrefix := ""
	if isWrite {
		writePrefix = fmt.Sprintf("WRITE(%s):", frame.PrintableAddress(fr.Source))
	}

	values, remainder, err := registry.Decode(entry, fr.Data[3:])
	if err != nil {
		if m.logger != nil {
			m.logger.Printf("%s: decoding %s: %v", m.cfg.ID, name, err)
		}
		// A parse error is not fatal: capture keeps working against
		// undocumented or malformed registers by recording the frame
		// under its register label with an error values map.
		label = fmt.Sprintf("%s%s_%s", writePrefix, frame.PrintableAddress(fr.Dest), name)
		errValues := []byte(fmt.Sprintf(`{"ERROR": %q}`, err.Error()))
		return label, fr.Data, errValues, nil
	}

	addr := fr.Dest
	if values.Len() > 0 && isAck {
		addr = fr.Source
		if entry.Name == "DeviceInfo" {
			m.metrics.SetDeviceInfo(m.cfg.ID, frame.PrintableAddress(fr.Source), values)
		} else {
			tablename := metrics.TableName(entry.Name)
			for _, k := range values.Keys() {
				v, _ := values.Get(k)
				m.metrics.PublishField(m.cfg.ID, tablename, k, v, m.zones)
			}
		}
	}

	label = fmt.Sprintf("%s%s_%s", writePrefix, frame.PrintableAddress(addr), name)
	return label, fr.Data, remainder, values
}
