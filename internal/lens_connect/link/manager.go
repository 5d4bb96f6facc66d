package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"github.com/heartneyes/lenslink/internal/lens_connect/interlock"
	"github.com/heartneyes/lenslink/internal/lens_connect/pipeline"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
	"github.com/heartneyes/lenslink/internal/lens_connect/reassembly"
	"github.com/heartneyes/lenslink/internal/lens_connect/telemetry"
	"github.com/heartneyes/lenslink/internal/profile"
	"github.com/heartneyes/lenslink/internal/util"
)

// DeviceHandle is the identity and last known state of one lens.
type DeviceHandle struct {
	Address         string              `json:"address"`
	DeviceID        string              `json:"deviceId,omitempty"`
	FirmwareVersion string              `json:"firmwareVersion,omitempty"`
	State           State               `json:"state"`
	Telemetry       *telemetry.Snapshot `json:"telemetry,omitempty"`
}

// Status is a point-in-time view of a Manager.
type Status struct {
	Device     DeviceHandle          `json:"device"`
	Interlock  interlock.Decision    `json:"interlock"`
	Media      pipeline.State        `json:"media"`
	Reassembly reassembly.Stats      `json:"reassembly"`
	Profile    profile.ConfigProfile `json:"profile"`
	Reconnect  ReconnectStatus       `json:"reconnect"`
	Pending    string                `json:"pendingCommand,omitempty"`
	LastError  string                `json:"lastError,omitempty"`
}

// ReconnectStatus reports progress of the reconnect policy.
type ReconnectStatus struct {
	Attempt int `json:"attempt"`
	Max     int `json:"max"`
}

// inbound is one notification tagged with the link generation it came from.
type inbound struct {
	gen  uint64
	data []byte
}

// Manager owns one lens link. All of its state is touched only by the loop
// goroutine; public methods post closures to it.
type Manager struct {
	radio  radio.Radio
	opts   Options
	clock  clock.WithDelayedExecution
	logger *slog.Logger

	ops      chan func()
	chunks   chan inbound
	statuses chan inbound
	acks     chan inbound
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	events   *pipeline.Broadcaster[Event]
	session  *pipeline.Session
	configMu sync.Mutex

	// loop-owned
	handle       DeviceHandle
	gen          uint64
	peripheral   radio.Peripheral
	reasm        *reassembly.Reassembler
	decoder      *telemetry.Decoder
	decision     interlock.Decision
	suspended    bool
	profile      profile.ConfigProfile
	profileSet   bool // the lens has accepted a profile from us
	pending      *pendingCommand
	queued       []*pendingCommand
	bo           *backoff.ExponentialBackOff
	attempts     int
	retryTimer   clock.Timer
	abortAttempt context.CancelFunc
	lastErr      error
}

// NewManager starts a manager for r. It begins Disconnected.
func NewManager(r radio.Radio, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		radio:    r,
		opts:     opts,
		clock:    opts.Clock,
		logger:   util.GetLogger().With("component", "link"),
		ops:      make(chan func(), 64),
		chunks:   make(chan inbound, 256),
		statuses: make(chan inbound, 16),
		acks:     make(chan inbound, 16),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		events:   pipeline.NewBroadcaster[Event](),
		reasm:    reassembly.New(opts.MaxFrameBytes),
		decoder:  telemetry.NewDecoder(),
		profile:  profile.Default(),
		bo:       opts.newBackoff(),
	}
	m.session = pipeline.NewSession(opts.Recording, opts.Streaming, m.onSinkError)
	m.events.SetCached(m.event(EventState))
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case in := <-m.chunks:
			if in.gen == m.gen {
				m.handleChunk(in.data)
			}
		case in := <-m.statuses:
			if in.gen == m.gen {
				m.handleStatus(in.data)
			}
		case in := <-m.acks:
			if in.gen == m.gen {
				m.handleAck(in.data)
			}
		case <-m.quit:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(finished) }:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Subscribe returns a channel of link events. The latest state event is
// delivered first.
func (m *Manager) Subscribe(id string, buffer int) <-chan Event {
	return m.events.Subscribe(id, buffer)
}

// Unsubscribe removes a subscriber.
func (m *Manager) Unsubscribe(id string) {
	m.events.Unsubscribe(id)
}

func (m *Manager) event(t EventType) Event {
	return Event{Type: t, Time: m.clock.Now(), Address: m.handle.Address, State: m.handle.State}
}

func (m *Manager) emit(ev Event) {
	if ev.Type == EventState {
		m.events.SetCached(ev)
	}
	m.events.Broadcast(ev)
}

func (m *Manager) setState(s State) {
	if m.handle.State == s {
		return
	}
	m.logger.Info("Link state changed", "address", m.handle.Address, "from", m.handle.State, "to", s)
	m.handle.State = s
	m.emit(m.event(EventState))
}

// linkedState is the state for an established link given sink and interlock state.
func (m *Manager) linkedState() State {
	if m.suspended {
		return Suspended
	}
	return mediaState(m.session.Active(pipeline.Recording), m.session.Active(pipeline.Streaming))
}

// State returns the current connection state.
func (m *Manager) State() State {
	var s State
	if err := m.do(context.Background(), func() { s = m.handle.State }); err != nil {
		return Disconnected
	}
	return s
}

// Status returns a snapshot of the manager.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.do(ctx, func() {
		st = Status{
			Device:     m.handle,
			Interlock:  m.decision,
			Media:      m.session.State(),
			Reassembly: m.reasm.Stats(),
			Profile:    m.profile,
			Reconnect:  ReconnectStatus{Attempt: m.attempts, Max: m.opts.ReconnectAttempts},
		}
		if m.pending != nil {
			st.Pending = m.pending.id.String()
		}
		if m.lastErr != nil {
			st.LastError = m.lastErr.Error()
		}
	})
	return st, err
}

// Scan collects advertisements matching filter until ctx ends or the radio
// finishes. It does nothing unless the manager is Disconnected.
func (m *Manager) Scan(ctx context.Context, filter radio.ScanFilter) ([]radio.Advertisement, error) {
	var ok bool
	if err := m.do(ctx, func() {
		if m.handle.State != Disconnected {
			m.logger.Debug("Scan ignored", "state", m.handle.State)
			return
		}
		ok = true
		m.setState(Scanning)
	}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	defer m.post(func() {
		if m.handle.State == Scanning {
			m.setState(Disconnected)
		}
	})

	found, err := m.radio.Scan(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	var out []radio.Advertisement
	for adv := range found {
		if !slices.ContainsFunc(out, func(a radio.Advertisement) bool { return a.Address == adv.Address }) {
			out = append(out, adv)
		}
	}
	return out, nil
}

// Connect links to the lens at address and waits until it is Ready or the
// attempt fails. A failed first attempt is not retried.
func (m *Manager) Connect(ctx context.Context, address string) error {
	result := make(chan error, 1)
	if err := m.do(ctx, func() {
		switch {
		case m.handle.State.Linked() && m.handle.Address == address:
			result <- nil
			return
		case m.handle.State != Disconnected:
			result <- linkErr("connect", m.handle.State, ErrNotReady, fmt.Errorf("already %s", m.handle.State))
			return
		}
		if m.handle.Address != address {
			m.handle = DeviceHandle{Address: address, State: m.handle.State}
		}
		m.attempts = 0
		m.lastErr = nil
		m.startAttempt(result)
	}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startAttempt begins one connect-and-discover run. Runs on the loop.
func (m *Manager) startAttempt(result chan<- error) {
	m.gen++
	gen := m.gen
	address := m.handle.Address
	m.setState(Connecting)

	ctx, cancel := context.WithCancelCause(context.Background())
	deadline := m.clock.AfterFunc(m.opts.ConnectTimeout, func() { cancel(errConnectTimeout) })
	m.abortAttempt = func() {
		deadline.Stop()
		cancel(context.Canceled)
	}

	go func() {
		defer deadline.Stop()
		defer cancel(nil)
		p, err := m.radio.Connect(ctx, address)
		if err != nil {
			err = attemptCause(ctx, err)
			m.post(func() { m.attemptFailed(gen, err, result) })
			return
		}
		m.post(func() {
			if gen == m.gen && m.handle.State == Connecting {
				m.setState(Discovering)
			}
		})
		subs, err := discover(ctx, p)
		if err != nil {
			err = attemptCause(ctx, err)
			_ = p.Close()
			m.post(func() { m.attemptFailed(gen, err, result) })
			return
		}
		if !m.post(func() { m.attemptSucceeded(gen, p, subs, result) }) {
			_ = p.Close()
		}
	}()
}

var errConnectTimeout = errors.New("connect timed out")

// attemptCause reports an expired connect deadline instead of the bare
// cancellation the radio saw.
func attemptCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, errConnectTimeout) {
		return fmt.Errorf("%w: %v", errConnectTimeout, err)
	}
	return err
}

type subscriptions struct {
	video, control, status <-chan []byte
}

func discover(ctx context.Context, p radio.Peripheral) (subscriptions, error) {
	var subs subscriptions
	chars, err := p.Discover(ctx)
	if err != nil {
		return subs, fmt.Errorf("discover: %w", err)
	}
	var missing []string
	for _, uuid := range radio.RequiredCharacteristics {
		if !slices.Contains(chars, uuid) {
			missing = append(missing, uuid)
		}
	}
	if len(missing) > 0 {
		return subs, fmt.Errorf("discover: missing characteristics %v: %w", missing, radio.ErrNoCharacteristic)
	}
	if subs.video, err = p.Subscribe(ctx, radio.VideoUUID); err != nil {
		return subs, fmt.Errorf("subscribe video: %w", err)
	}
	if subs.control, err = p.Subscribe(ctx, radio.ControlUUID); err != nil {
		return subs, fmt.Errorf("subscribe control: %w", err)
	}
	if subs.status, err = p.Subscribe(ctx, radio.StatusUUID); err != nil {
		return subs, fmt.Errorf("subscribe status: %w", err)
	}
	return subs, nil
}

func (m *Manager) attemptFailed(gen uint64, cause error, result chan<- error) {
	if gen != m.gen {
		if result != nil {
			result <- linkErr("connect", m.handle.State, ErrConnectFailed, ErrClosed)
		}
		return
	}
	m.abortAttempt = nil
	err := linkErr("connect", m.handle.State, ErrConnectFailed, cause)
	m.lastErr = err
	m.logger.Warn("Connect attempt failed", "address", m.handle.Address, "attempt", m.attempts, "error", cause)

	if result != nil {
		// first attempt: report and stop
		m.setState(Disconnected)
		result <- err
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) attemptSucceeded(gen uint64, p radio.Peripheral, subs subscriptions, result chan<- error) {
	if gen != m.gen {
		_ = p.Close()
		if result != nil {
			result <- linkErr("connect", m.handle.State, ErrConnectFailed, ErrClosed)
		}
		return
	}
	m.abortAttempt = nil
	m.peripheral = p
	m.attempts = 0
	m.bo.Reset()
	m.lastErr = nil
	m.reasm.Reset()

	m.pump(gen, subs.video, m.chunks)
	m.pump(gen, subs.control, m.acks)
	m.pump(gen, subs.status, m.statuses)
	go func() {
		select {
		case <-p.Disconnected():
			m.post(func() { m.linkLost(gen, ErrLinkLost) })
		case <-m.done:
		}
	}()

	m.logger.Info("Link ready", "address", m.handle.Address)
	m.setState(m.linkedState())
	if result != nil {
		result <- nil
		return
	}
	if m.profileSet {
		go m.restoreProfile(m.handle.Address, m.profile)
	}
}

// restoreProfile writes the last accepted profile to a lens that came back
// after a reconnect.
func (m *Manager) restoreProfile(address string, p profile.ConfigProfile) {
	if err := m.PushProfile(context.Background(), p); err != nil {
		m.logger.Warn("Profile restore failed", "address", address, "error", err)
		return
	}
	m.logger.Debug("Profile restored after reconnect", "address", address)
}

// pump forwards one notification stream into the loop in arrival order.
func (m *Manager) pump(gen uint64, src <-chan []byte, dst chan<- inbound) {
	go func() {
		for b := range src {
			select {
			case dst <- inbound{gen: gen, data: b}:
			case <-m.done:
				return
			}
		}
		m.post(func() { m.linkLost(gen, ErrLinkLost) })
	}()
}

// linkLost handles an unexpected drop of the link established in gen.
func (m *Manager) linkLost(gen uint64, cause error) {
	if gen != m.gen || !m.handle.State.Linked() {
		return
	}
	m.logger.Warn("Link lost", "address", m.handle.Address, "state", m.handle.State, "error", cause)
	m.teardown(linkErr("link", m.handle.State, ErrLinkLost, nil))
	m.lastErr = linkErr("link", m.handle.State, ErrLinkLost, cause)

	m.attempts = 0
	m.bo.Reset()
	if m.opts.ReconnectAttempts == 0 {
		m.unreachable()
		return
	}
	m.setState(m.handle.State.OnLinkLost(true))
	m.scheduleReconnect()
}

// teardown stops sinks, fails commands and closes the peripheral. Any
// notifications still in flight are ignored via the generation bump.
func (m *Manager) teardown(cmdErr error) {
	m.gen++
	m.session.StopAll()
	m.failCommands(cmdErr)
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.abortAttempt != nil {
		m.abortAttempt()
		m.abortAttempt = nil
	}
	if p := m.peripheral; p != nil {
		m.peripheral = nil
		go func() { _ = p.Close() }()
	}
	m.reasm.Reset()
}

func (m *Manager) scheduleReconnect() {
	if m.attempts >= m.opts.ReconnectAttempts {
		m.unreachable()
		return
	}
	m.attempts++
	delay := m.bo.NextBackOff()
	gen := m.gen
	m.setState(Connecting)

	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.post(func() {
			if gen != m.gen || m.handle.State != Connecting {
				return
			}
			m.retryTimer = nil
			m.startAttempt(nil)
		})
	})

	m.logger.Info("Reconnect scheduled", "address", m.handle.Address, "attempt", m.attempts, "delay", delay)
	ev := m.event(EventReconnecting)
	ev.Attempt = m.attempts
	ev.DelayMs = delay.Milliseconds()
	m.emit(ev)
}

func (m *Manager) unreachable() {
	err := linkErr("reconnect", m.handle.State, ErrUnreachable, m.lastErr)
	m.lastErr = err
	m.logger.Error("Lens unreachable", "address", m.handle.Address, "attempts", m.attempts)
	m.setState(Disconnected)
	ev := m.event(EventUnreachable)
	ev.Attempt = m.attempts
	ev.Error = err.Error()
	m.emit(ev)
}

// Disconnect tears down the link and both sinks. It never waits for the
// lens; stop commands are sent best-effort. Calling it again is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, m.disconnect)
}

func (m *Manager) disconnect() {
	if m.handle.State == Disconnected && m.peripheral == nil && m.retryTimer == nil && m.abortAttempt == nil {
		return
	}
	p := m.peripheral
	m.peripheral = nil
	var stops [][]byte
	if p != nil {
		if m.session.Active(pipeline.Streaming) {
			stops = append(stops, stopFrame(pipeline.Streaming))
		}
		if m.session.Active(pipeline.Recording) {
			stops = append(stops, stopFrame(pipeline.Recording))
		}
	}
	m.teardown(linkErr("disconnect", m.handle.State, ErrClosed, nil))
	m.attempts = 0
	m.setState(Disconnected)

	if p != nil {
		timeout := m.opts.CommandTimeout
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			for _, frame := range stops {
				_ = p.Write(ctx, radio.ControlUUID, frame)
			}
			_ = p.Close()
		}()
	}
}

// Close disconnects and stops the manager. Sinks get until ctx ends to drain.
func (m *Manager) Close(ctx context.Context) error {
	_ = m.do(ctx, m.disconnect)
	m.quitOnce.Do(func() { close(m.quit) })
	<-m.done
	err := m.session.Close(ctx)
	m.events.Close()
	return err
}
