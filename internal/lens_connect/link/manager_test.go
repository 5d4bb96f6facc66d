package link

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/heartneyes/lenslink/internal/lens_connect/interlock"
	"github.com/heartneyes/lenslink/internal/lens_connect/pipeline"
	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
	"github.com/heartneyes/lenslink/internal/profile"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	healthy = `{"batteryLevel":80,"temperature":30,"isRecording":false,"isStreaming":false}`
)

func newTestManager(t *testing.T, r *fakeRadio) (*Manager, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Now())
	opts := DefaultOptions()
	opts.Clock = fc
	m := NewManager(r, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, fc
}

func connect(t *testing.T, m *Manager, r *fakeRadio) *fakePeripheral {
	t.Helper()
	require.NoError(t, m.Connect(context.Background(), "lens-1"))
	require.Equal(t, Ready, m.State())
	p := r.last()
	require.NotNil(t, p)
	return p
}

// nextEvent waits for the next event of type typ.
func nextEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "no event", "waiting for %s", typ)
		}
	}
}

// waitIdle waits until no command is in flight.
func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := m.Status(context.Background())
		return err == nil && st.Pending == ""
	}, waitFor, tick)
}

func retryWindow(base, cap time.Duration, jitter float64, n int) (lo, hi time.Duration) {
	d := base
	for i := 1; i < n && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return time.Duration(float64(d) * (1 - jitter)), time.Duration(float64(d) * (1 + jitter))
}

func TestStateOnLinkLostIsTotal(t *testing.T) {
	for s := Disconnected; s <= Suspended; s++ {
		assert.NotContains(t, s.String(), "state(", "state %d has no name", int(s))
		next := s.OnLinkLost(true)
		if s.Linked() || s == Connecting || s == Discovering {
			assert.Equal(t, Connecting, next, s.String())
			assert.Equal(t, Disconnected, s.OnLinkLost(false), s.String())
		} else {
			assert.Equal(t, s, next, s.String())
		}
	}
	assert.Equal(t, RecordingAndStreaming, mediaState(true, true))
	assert.Equal(t, Ready, mediaState(false, false))

	b, err := json.Marshal(Event{Type: EventState, State: Suspended})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"suspended"`)
}

func TestScan(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)

	found, err := m.Scan(context.Background(), radio.DefaultScanFilter())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "lens-1", found[0].Address)
	assert.Equal(t, Disconnected, m.State())

	connect(t, m, r)
	found, err = m.Scan(context.Background(), radio.DefaultScanFilter())
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Equal(t, Ready, m.State())
}

func TestConnect(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)
	events := m.Subscribe("test", 64)

	assert.Equal(t, Disconnected, nextEvent(t, events, EventState).State)
	connect(t, m, r)

	var seen []State
	for len(seen) < 3 {
		seen = append(seen, nextEvent(t, events, EventState).State)
	}
	assert.Equal(t, []State{Connecting, Discovering, Ready}, seen)

	// connecting to the same lens again is a no-op
	require.NoError(t, m.Connect(context.Background(), "lens-1"))
	assert.Equal(t, 1, r.connectCount())

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lens-1", st.Device.Address)
	assert.Equal(t, DefaultReconnectAttempts, st.Reconnect.Max)
}

func TestConnectFailed(t *testing.T) {
	r := newFakeRadio()
	r.setConnectErr(errRadioDown)
	m, _ := newTestManager(t, r)

	err := m.Connect(context.Background(), "lens-1")
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, errRadioDown)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, r.connectCount(), "a failed first attempt is not retried")
}

func TestConnectTimeout(t *testing.T) {
	r := newFakeRadio()
	r.setHang(true)
	m, fc := newTestManager(t, r)

	result := make(chan error, 1)
	go func() { result <- m.Connect(context.Background(), "lens-1") }()
	require.Eventually(t, func() bool { return r.connectCount() == 1 && fc.HasWaiters() }, waitFor, tick)

	fc.Step(DefaultConnectTimeout - time.Millisecond)
	assert.Equal(t, Connecting, m.State())
	select {
	case err := <-result:
		t.Fatalf("connect returned before its deadline: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	fc.Step(time.Millisecond)
	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectFailed)
		assert.ErrorIs(t, err, errConnectTimeout)
	case <-time.After(waitFor):
		t.Fatal("connect did not time out")
	}
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, r.connectCount())
}

func TestConnectMissingCharacteristic(t *testing.T) {
	r := newFakeRadio()
	r.chars = []string{radio.VideoUUID, radio.ControlUUID, radio.StatusUUID}
	m, _ := newTestManager(t, r)

	err := m.Connect(context.Background(), "lens-1")
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, radio.ErrNoCharacteristic)
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, r.last().isClosed())
}

func TestCommandsRequireLink(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)

	err := m.SendCommand(context.Background(), protocol.CmdToggleHDR, protocol.BoolParam(true))
	require.ErrorIs(t, err, ErrNotReady)

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, Disconnected, le.State)

	_, err = m.ApplyConfig(context.Background(), profile.Patch{"video.bitrate": 1000000})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSendCommand(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)
	p := connect(t, m, r)

	require.NoError(t, m.SendCommand(context.Background(), protocol.CmdModifyBitrate, protocol.Uint32Param(2500000)))
	writes := p.controlWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x22, 4, 0x00, 0x26, 0x25, 0xA0}, writes[0])

	// codec errors never reach the radio
	err := m.SendCommand(context.Background(), protocol.CmdModifyBitrate, []byte{1, 2})
	assert.ErrorIs(t, err, protocol.ErrArityMismatch)
	err = m.SendCommand(context.Background(), protocol.CmdFirmwareUpdate, make([]byte, 256))
	assert.ErrorIs(t, err, protocol.ErrParamsTooLong)
	assert.Len(t, p.controlWrites(), 1)
}

func TestCommandRejected(t *testing.T) {
	r := newFakeRadio()
	r.reject(protocol.CmdFactoryReset, 3)
	m, _ := newTestManager(t, r)
	connect(t, m, r)
	events := m.Subscribe("test", 64)

	err := m.SendCommand(context.Background(), protocol.CmdFactoryReset, nil)
	require.ErrorIs(t, err, ErrCommandRejected)
	assert.Contains(t, err.Error(), "status 3")
	assert.Equal(t, "FACTORY_RESET", nextEvent(t, events, EventCommand).Command)
}

func TestCommandBusyAndTimeout(t *testing.T) {
	r := newFakeRadio()
	r.setAutoAck(false)
	m, fc := newTestManager(t, r)
	p := connect(t, m, r)

	first := make(chan error, 1)
	go func() {
		first <- m.SendCommand(context.Background(), protocol.CmdToggleHDR, protocol.BoolParam(true))
	}()
	require.Eventually(t, func() bool {
		st, err := m.Status(context.Background())
		return err == nil && st.Pending == "TOGGLE_HDR"
	}, waitFor, tick)

	err := m.SendCommand(context.Background(), protocol.CmdAdjustExposure, protocol.Int8Param(-2))
	require.ErrorIs(t, err, ErrCommandBusy)

	// an ack for a different command does not free the slot
	p.ack(protocol.CmdAdjustExposure, 0)

	require.Eventually(t, fc.HasWaiters, waitFor, tick)
	fc.Step(DefaultCommandTimeout)
	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrCommandTimeout)
	case <-time.After(waitFor):
		t.Fatal("pending command did not time out")
	}

	r.setAutoAck(true)
	require.NoError(t, m.SendCommand(context.Background(), protocol.CmdAdjustExposure, protocol.Int8Param(-2)))
}

func TestRecording(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)
	p := connect(t, m, r)
	events := m.Subscribe("test", 64)

	sink := &captureSink{name: "capture"}
	require.NoError(t, m.StartRecording(context.Background(), sink))
	assert.Equal(t, Recording, m.State())
	assert.ErrorIs(t, m.StartRecording(context.Background(), &captureSink{}), pipeline.ErrSinkActive)

	streamer := &captureSink{name: "relay"}
	require.NoError(t, m.StartStreaming(context.Background(), streamer))
	assert.Equal(t, RecordingAndStreaming, m.State())

	p.chunk(1, true, false, []byte("ab"))
	p.chunk(2, false, false, []byte("cd"))
	p.chunk(3, false, false, []byte("ef"))
	p.chunk(4, true, false, []byte("gh"))
	p.chunk(6, false, false, []byte("ij"))

	require.Eventually(t, func() bool { return len(sink.Frames()) == 1 && len(streamer.Frames()) == 1 }, waitFor, tick)
	f := sink.Frames()[0]
	assert.Equal(t, []byte("abcdef"), f.Data)
	assert.Equal(t, uint32(1), f.FirstChunkID)
	assert.Equal(t, uint32(3), f.LastChunkID)
	assert.True(t, f.Keyframe)
	assert.Equal(t, uint32(1), nextEvent(t, events, EventGap).Missing)

	require.NoError(t, m.StopRecording(context.Background()))
	assert.Equal(t, Streaming, m.State())
	require.Eventually(t, sink.Closed, waitFor, tick)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]protocol.CommandID{
			protocol.CmdStartRecording, protocol.CmdStartStreaming, protocol.CmdStopRecording,
		}, p.commands())
	}, waitFor, tick)

	// stopping an idle sink sends nothing
	require.NoError(t, m.StopRecording(context.Background()))
	assert.Len(t, p.commands(), 3)
}

func TestStartRejectedLeavesSinkDetached(t *testing.T) {
	r := newFakeRadio()
	r.reject(protocol.CmdStartStreaming, 1)
	m, _ := newTestManager(t, r)
	connect(t, m, r)

	sink := &captureSink{name: "relay"}
	err := m.StartStreaming(context.Background(), sink)
	require.ErrorIs(t, err, ErrCommandRejected)
	assert.Equal(t, Ready, m.State())
	assert.False(t, sink.Closed())
}

func TestTelemetry(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)
	p := connect(t, m, r)
	events := m.Subscribe("test", 64)

	p.telemetry(`{"temperature":30}`)
	assert.Contains(t, nextEvent(t, events, EventTelemetryError).Error, "batteryLevel")

	p.telemetry(`{"batteryLevel":120,"temperature":30,"isRecording":false,"isStreaming":false,"deviceId":"HNE-7","firmwareVersion":"2.1.0"}`)
	ev := nextEvent(t, events, EventTelemetry)
	require.NotNil(t, ev.Telemetry)
	assert.True(t, ev.Telemetry.Suspect)

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HNE-7", st.Device.DeviceID)
	assert.Equal(t, "2.1.0", st.Device.FirmwareVersion)
	require.NotNil(t, st.Device.Telemetry)
	assert.Equal(t, 120, st.Device.Telemetry.BatteryPercent)
}

func TestInterlockSuspend(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)
	p := connect(t, m, r)
	events := m.Subscribe("test", 64)

	rec, str := &captureSink{name: "rec"}, &captureSink{name: "str"}
	require.NoError(t, m.StartRecording(context.Background(), rec))
	require.NoError(t, m.StartStreaming(context.Background(), str))

	p.telemetry(`{"batteryLevel":4,"temperature":30,"isRecording":true,"isStreaming":true}`)
	ev := nextEvent(t, events, EventInterlock)
	require.NotNil(t, ev.Interlock)
	assert.Equal(t, interlock.Suspend, ev.Interlock.Level)

	require.Eventually(t, func() bool { return rec.Closed() && str.Closed() }, waitFor, tick)
	assert.Equal(t, Suspended, m.State())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]protocol.CommandID{
			protocol.CmdStartRecording, protocol.CmdStartStreaming,
			protocol.CmdStopStreaming, protocol.CmdStopRecording,
		}, p.commands())
	}, waitFor, tick)

	err := m.StartRecording(context.Background(), &captureSink{})
	assert.ErrorIs(t, err, ErrSuspended)
	err = m.SendCommand(context.Background(), protocol.CmdModifyBitrate, protocol.Uint32Param(1000000))
	assert.ErrorIs(t, err, ErrSuspended)
	waitIdle(t, m)
	assert.NoError(t, m.SendCommand(context.Background(), protocol.CmdToggleHDR, protocol.BoolParam(false)))

	// Warn does not clear the suspension
	p.telemetry(`{"batteryLevel":14,"temperature":30,"isRecording":false,"isStreaming":false}`)
	nextEvent(t, events, EventTelemetry)
	assert.Equal(t, Suspended, m.State())

	p.telemetry(healthy)
	nextEvent(t, events, EventTelemetry)
	assert.Equal(t, Ready, m.State())
	assert.NoError(t, m.StartRecording(context.Background(), &captureSink{name: "again"}))
}

func TestInterlockThrottleOncePerEntry(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)
	p := connect(t, m, r)
	events := m.Subscribe("test", 64)

	hot := `{"batteryLevel":80,"temperature":41.5,"isRecording":false,"isStreaming":false}`
	p.telemetry(hot)
	p.telemetry(hot)
	nextEvent(t, events, EventTelemetry)
	nextEvent(t, events, EventTelemetry)

	require.Eventually(t, func() bool { return len(p.controlWrites()) == 1 }, waitFor, tick)
	assert.Equal(t, append([]byte{0x22, 4}, protocol.Uint32Param(500000)...), p.controlWrites()[0])

	p.telemetry(healthy)
	p.telemetry(hot)
	nextEvent(t, events, EventTelemetry)
	nextEvent(t, events, EventTelemetry)
	require.Eventually(t, func() bool { return len(p.controlWrites()) == 2 }, waitFor, tick)
}

func TestApplyConfig(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)
	p := connect(t, m, r)

	_, err := m.ApplyConfig(context.Background(), profile.Patch{
		"video.bitrate":              2000000,
		"privacy.recordingIndicator": "hidden",
	})
	require.ErrorIs(t, err, profile.ErrPolicyViolation)
	assert.Empty(t, p.configWrites())
	current, err := m.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, profile.Default(), current)

	next, err := m.ApplyConfig(context.Background(), profile.Patch{"video.bitrate": 2000000})
	require.NoError(t, err)
	assert.Equal(t, 2000000, next.Video.Bitrate)
	writes := p.configWrites()
	require.Len(t, writes, 1)
	assert.Contains(t, string(writes[0]), `"bitrate":2000000`)

	current, err = m.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, next, current)
}

func TestDisconnect(t *testing.T) {
	r := newFakeRadio()
	m, _ := newTestManager(t, r)

	require.NoError(t, m.Disconnect(context.Background()))
	p := connect(t, m, r)

	sink := &captureSink{name: "rec"}
	require.NoError(t, m.StartRecording(context.Background(), sink))

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, m.State())
	require.Eventually(t, sink.Closed, waitFor, tick)
	require.Eventually(t, p.isClosed, waitFor, tick)
	assert.Contains(t, p.commands(), protocol.CmdStopRecording)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, 1, r.connectCount(), "disconnect must not trigger a reconnect")

	err := m.SendCommand(context.Background(), protocol.CmdPowerOff, nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDisconnectFailsPendingCommand(t *testing.T) {
	r := newFakeRadio()
	r.setAutoAck(false)
	m, _ := newTestManager(t, r)
	connect(t, m, r)

	result := make(chan error, 1)
	go func() { result <- m.SendCommand(context.Background(), protocol.CmdPowerOff, nil) }()
	require.Eventually(t, func() bool {
		st, _ := m.Status(context.Background())
		return st.Pending != ""
	}, waitFor, tick)

	require.NoError(t, m.Disconnect(context.Background()))
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("pending command not released")
	}
}

func TestLinkLossStopsSinksAndReconnects(t *testing.T) {
	r := newFakeRadio()
	m, fc := newTestManager(t, r)
	p := connect(t, m, r)
	events := m.Subscribe("test", 64)

	sink := &captureSink{name: "rec"}
	require.NoError(t, m.StartRecording(context.Background(), sink))

	require.NoError(t, p.Close())
	ev := nextEvent(t, events, EventReconnecting)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, Connecting, ev.State)
	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Media.Recording.Active, "sinks stop as soon as the link is lost")
	require.Eventually(t, sink.Closed, waitFor, tick)

	require.Eventually(t, fc.HasWaiters, waitFor, tick)
	fc.Step(time.Duration(ev.DelayMs+1) * time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == Ready }, waitFor, tick)
	assert.Equal(t, 2, r.connectCount())
	assert.NotSame(t, p, r.last())

	st, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Reconnect.Attempt)
	assert.False(t, st.Media.Recording.Active, "sinks are not restarted after reconnect")
}

func TestReconnectBackoffIsBounded(t *testing.T) {
	r := newFakeRadio()
	m, fc := newTestManager(t, r)
	p := connect(t, m, r)
	events := m.Subscribe("test", 64)

	r.setConnectErr(errRadioDown)
	require.NoError(t, p.Close())

	for n := 1; n <= DefaultReconnectAttempts; n++ {
		ev := nextEvent(t, events, EventReconnecting)
		require.Equal(t, n, ev.Attempt)
		lo, hi := retryWindow(DefaultBackoffBase, DefaultBackoffCap, DefaultBackoffJitter, n)
		delay := time.Duration(ev.DelayMs) * time.Millisecond
		assert.GreaterOrEqual(t, delay, lo-time.Millisecond, "attempt %d", n)
		assert.LessOrEqual(t, delay, hi, "attempt %d", n)

		require.Eventually(t, fc.HasWaiters, waitFor, tick)
		fc.Step(delay + time.Millisecond)
	}

	ev := nextEvent(t, events, EventUnreachable)
	assert.Equal(t, DefaultReconnectAttempts, ev.Attempt)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1+DefaultReconnectAttempts, r.connectCount())

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, st.LastError, ErrUnreachable.Error())

	// a fresh connect starts over
	r.setConnectErr(nil)
	connect(t, m, r)
}

func TestReconnectDisabled(t *testing.T) {
	r := newFakeRadio()
	opts := DefaultOptions()
	opts.ReconnectAttempts = -1
	m := NewManager(r, opts)
	defer m.Close(context.Background())
	events := m.Subscribe("test", 64)

	p := connect(t, m, r)
	require.NoError(t, p.Close())
	nextEvent(t, events, EventUnreachable)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, r.connectCount())
}

func TestProfileDrivesInterlockAndReconnect(t *testing.T) {
	r := newFakeRadio()
	m, fc := newTestManager(t, r)
	p := connect(t, m, r)
	events := m.Subscribe("test", 64)

	low := `{"batteryLevel":20,"temperature":30,"isRecording":false,"isStreaming":false}`
	p.telemetry(low)
	ev := nextEvent(t, events, EventTelemetry)
	require.NotNil(t, ev.Telemetry)
	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultReconnectAttempts, st.Reconnect.Max)

	_, err = m.ApplyConfig(context.Background(), profile.Patch{
		"power.batteryThreshold":         30,
		"connectivity.reconnectAttempts": 1,
	})
	require.NoError(t, err)

	p.telemetry(low)
	ev = nextEvent(t, events, EventInterlock)
	require.NotNil(t, ev.Interlock)
	assert.Equal(t, interlock.Warn, ev.Interlock.Level)
	st, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Reconnect.Max)

	// the lens gets the profile back after an automatic reconnect
	require.NoError(t, p.Close())
	ev = nextEvent(t, events, EventReconnecting)
	require.Eventually(t, fc.HasWaiters, waitFor, tick)
	fc.Step(time.Duration(ev.DelayMs+1) * time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == Ready }, waitFor, tick)
	again := r.last()
	require.NotSame(t, p, again)
	require.Eventually(t, func() bool { return len(again.configWrites()) == 1 }, waitFor, tick)
	assert.Contains(t, string(again.configWrites()[0]), `"batteryThreshold":30`)

	// one retry, then unreachable
	r.setConnectErr(errRadioDown)
	require.NoError(t, again.Close())
	ev = nextEvent(t, events, EventReconnecting)
	assert.Equal(t, 1, ev.Attempt)
	require.Eventually(t, fc.HasWaiters, waitFor, tick)
	fc.Step(time.Duration(ev.DelayMs+1) * time.Millisecond)
	ev = nextEvent(t, events, EventUnreachable)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, Disconnected, m.State())
}
