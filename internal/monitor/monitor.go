// Package monitor tracks the adb server's device list and reports changes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/bus"
	"github.com/skobkin/adbwire/internal/events"
	"github.com/skobkin/adbwire/internal/transport"
	"github.com/skobkin/adbwire/internal/wire"
)

const (
	defaultEventBuffer    = 64
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 15 * time.Second
)

var ErrAlreadyStarted = errors.New("monitor already started")

// Dialer returns a fresh connection to the adb server.
type Dialer func(ctx context.Context) (*transport.Conn, error)

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBus publishes every event and state change on b in addition to the Events channel,
// and every received snapshot on events.TopicDeviceList.
func WithBus(b bus.MessageBus) Option {
	return func(m *Monitor) { m.bus = b }
}

// WithFormat selects the tracking service variant.
func WithFormat(format transport.TrackFormat) Option {
	return func(m *Monitor) { m.format = format }
}

// WithBackOff sets the reconnect policy. The factory is called for every outage.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Monitor) { m.newBackOff = newBackOff }
}

func WithEventBuffer(n int) Option {
	return func(m *Monitor) {
		if n >= 0 {
			m.bufferSize = n
		}
	}
}

// DefaultBackOff retries forever with exponential delays capped at max.
func DefaultBackOff(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.MaxElapsedTime = 0

		return b
	}
}

// Monitor follows host:track-devices on a dedicated connection, diffs each pushed list
// against the previous one and emits the differences. Connection failures are retried;
// protocol violations stop the monitor.
type Monitor struct {
	dial       Dialer
	logger     *slog.Logger
	bus        bus.MessageBus
	format     transport.TrackFormat
	newBackOff func() backoff.BackOff
	bufferSize int

	mu       sync.Mutex
	state    events.MonitorState
	conn     *transport.Conn
	snapshot Snapshot
	err      error
	cancel   context.CancelFunc
	events   chan events.DeviceEvent
	done     chan struct{}
}

func New(dial Dialer, opts ...Option) *Monitor {
	m := &Monitor{
		dial:       dial,
		logger:     slog.New(slog.DiscardHandler),
		newBackOff: DefaultBackOff(defaultInitialBackoff, defaultMaxBackoff),
		bufferSize: defaultEventBuffer,
		state:      events.MonitorIdle,
		snapshot:   Snapshot{},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "monitor")
	m.events = make(chan events.DeviceEvent, m.bufferSize)

	return m
}

// Events delivers device events from the monitor goroutine and must be drained: a full
// buffer stalls tracking. It is closed once the monitor stops.
func (m *Monitor) Events() <-chan events.DeviceEvent {
	return m.events
}

// Done is closed when the monitor goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) State() events.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Err returns the error that stopped the monitor, if it stopped on its own.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// Devices returns the latest device list sorted by serial.
func (m *Monitor) Devices() []adb.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshot.Devices()
}

// Start launches the tracking goroutine and returns immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != events.MonitorIdle {
		m.mu.Unlock()

		return ErrAlreadyStarted
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.state = events.MonitorConnecting
	m.mu.Unlock()

	m.publishState(events.MonitorConnecting, nil)
	go m.run(ctx)

	return nil
}

// Stop ends tracking, closes the connection to unblock a pending read and waits for the
// goroutine to exit. It is safe to call from any goroutine and more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == events.MonitorIdle {
		m.state = events.MonitorStopped
		m.mu.Unlock()
		close(m.events)
		close(m.done)

		return
	}
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.events)

	for {
		conn, err := m.connect(ctx)
		if err != nil {
			m.finish(ctx, err)

			return
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(events.MonitorRunning, nil)

		err = m.track(ctx, conn)
		_ = conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if ctx.Err() != nil || !wire.IsRetryable(err) {
			m.finish(ctx, err)

			return
		}
		m.logger.Warn("tracking connection lost", "error", err)
		m.setState(events.MonitorReconnecting, err)
	}
}

func (m *Monitor) connect(ctx context.Context) (*transport.Conn, error) {
	op := func() (*transport.Conn, error) {
		conn, err := m.dial(ctx)
		if err != nil {
			return nil, classify(err)
		}
		if err := conn.RequestTrackDevices(ctx, m.format); err != nil {
			_ = conn.Close()

			return nil, classify(err)
		}

		return conn, nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("connect failed, retrying", "error", err, "retry_in", wait)
		if m.State() != events.MonitorReconnecting {
			m.setState(events.MonitorReconnecting, err)
		}
	}

	return backoff.RetryNotifyWithData(op, backoff.WithContext(m.newBackOff(), ctx), notify)
}

// classify marks errors that a retry cannot fix as permanent for the backoff loop.
func classify(err error) error {
	if wire.IsRetryable(err) {
		return err
	}

	return backoff.Permanent(err)
}

func (m *Monitor) track(ctx context.Context, conn *transport.Conn) error {
	for {
		payload, err := conn.ReadBytes(ctx)
		if err != nil {
			return err
		}

		var devices []adb.Device
		if m.format == transport.TrackProto {
			devices, err = adb.ParseDeviceListProto(payload)
		} else {
			devices, err = adb.ParseDeviceList(string(payload))
		}
		if err != nil {
			return &wire.ProtocolError{Op: "parse device list", Got: fmt.Sprintf("%.64s", payload)}
		}

		if !m.apply(ctx, NewSnapshot(devices)) {
			return ctx.Err()
		}
	}
}

// apply replaces the snapshot and emits the diff followed by a DeviceListChanged event when
// anything changed. Every snapshot also goes to TopicDeviceList. It reports false when ctx
// ended.
func (m *Monitor) apply(ctx context.Context, next Snapshot) bool {
	m.mu.Lock()
	prev := m.snapshot
	m.snapshot = next
	m.mu.Unlock()

	now := time.Now()
	if !m.publish(ctx, events.TopicDeviceList, events.DeviceList{Devices: next.Devices(), At: now}) {
		return false
	}

	changes := Diff(prev, next, now)
	if len(changes) == 0 {
		return true
	}
	changes = append(changes, events.DeviceEvent{Kind: events.DeviceListChanged, Devices: next.Devices(), At: now})

	for _, ev := range changes {
		if ev.PerDevice() {
			m.logger.Info("device event", "kind", string(ev.Kind), "serial", ev.Device.Serial, "state", string(ev.Device.State))
		} else {
			m.logger.Debug("device list changed", "devices", len(ev.Devices))
		}
		if !m.emit(ctx, ev) {
			return false
		}
	}

	return true
}

func (m *Monitor) publish(ctx context.Context, topic string, msg any) bool {
	if ctx.Err() != nil {
		return false
	}
	if m.bus != nil {
		m.bus.Publish(topic, msg)
	}

	return true
}

// emit sends ev to the bus and the events channel. Nothing goes out once ctx is done, even
// when the channel has room.
func (m *Monitor) emit(ctx context.Context, ev events.DeviceEvent) bool {
	if !m.publish(ctx, events.TopicDeviceEvent, ev) {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) finish(ctx context.Context, err error) {
	if ctx.Err() != nil {
		err = nil
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("monitor stopped", "error", err)
	}
	m.setState(events.MonitorStopped, err)
}

func (m *Monitor) setState(state events.MonitorState, err error) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.publishState(state, err)
}

func (m *Monitor) publishState(state events.MonitorState, err error) {
	status := events.MonitorStatus{State: state, Timestamp: time.Now()}
	if err != nil {
		status.Err = err.Error()
	}
	m.logger.Debug("state changed", "state", string(state))
	if m.bus != nil {
		m.bus.Publish(events.TopicMonitorStatus, status)
	}
}
