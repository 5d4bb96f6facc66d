package link

import (
	"context"
	"fmt"

	"github.com/heartneyes/lenslink/internal/lens_connect/interlock"
	"github.com/heartneyes/lenslink/internal/lens_connect/pipeline"
	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
	"github.com/heartneyes/lenslink/internal/lens_connect/reassembly"
	"github.com/heartneyes/lenslink/internal/profile"
)

// StartRecording asks the lens to record and attaches sink once the command
// is acknowledged. On error the sink is not attached and stays owned by the
// caller.
func (m *Manager) StartRecording(ctx context.Context, sink pipeline.Sink) error {
	return m.startMedia(ctx, pipeline.Recording, sink)
}

// StartStreaming is StartRecording for the live relay slot.
func (m *Manager) StartStreaming(ctx context.Context, sink pipeline.Sink) error {
	return m.startMedia(ctx, pipeline.Streaming, sink)
}

// StopRecording detaches the recording sink immediately and tells the lens
// to stop without waiting for it.
func (m *Manager) StopRecording(ctx context.Context) error {
	return m.do(ctx, func() { m.stopMedia(pipeline.Recording) })
}

// StopStreaming detaches the relay sink immediately.
func (m *Manager) StopStreaming(ctx context.Context) error {
	return m.do(ctx, func() { m.stopMedia(pipeline.Streaming) })
}

func startCommand(kind pipeline.SinkKind) protocol.CommandID {
	if kind == pipeline.Streaming {
		return protocol.CmdStartStreaming
	}
	return protocol.CmdStartRecording
}

func (m *Manager) startMedia(ctx context.Context, kind pipeline.SinkKind, sink pipeline.Sink) error {
	id := startCommand(kind)
	frame, err := protocol.Encode(id, nil)
	if err != nil {
		return err
	}
	precheck := func() error {
		if m.session.Active(kind) {
			return fmt.Errorf("start %s: %w", kind, pipeline.ErrSinkActive)
		}
		return nil
	}
	onAck := func() error {
		if m.suspended {
			return linkErr("start "+kind.String(), m.handle.State, ErrSuspended, nil)
		}
		if err := m.session.Start(kind, sink); err != nil {
			return err
		}
		m.logger.Info("Sink started", "kind", kind, "sink", sink.Name())
		m.setState(m.linkedState())
		return nil
	}
	return m.command(ctx, id, frame, precheck, onAck)
}

// stopMedia runs on the loop.
func (m *Manager) stopMedia(kind pipeline.SinkKind) {
	if !m.session.Stop(kind) {
		return
	}
	if m.handle.State.Linked() {
		m.setState(m.linkedState())
	}
	if m.peripheral != nil {
		m.enqueue(stopCommand(kind), nil)
	}
}

// onSinkError is called by a sink worker after its slot was cleared.
func (m *Manager) onSinkError(kind pipeline.SinkKind, name string, err error) {
	m.post(func() {
		ev := m.event(EventSinkError)
		ev.Sink = name
		ev.Error = err.Error()
		m.emit(ev)
		if !m.handle.State.Linked() {
			return
		}
		m.setState(m.linkedState())
		if m.peripheral != nil {
			m.enqueue(stopCommand(kind), nil)
		}
	})
}

func stopCommand(kind pipeline.SinkKind) protocol.CommandID {
	if kind == pipeline.Streaming {
		return protocol.CmdStopStreaming
	}
	return protocol.CmdStopRecording
}

func (m *Manager) handleChunk(data []byte) {
	chunk, err := protocol.DecodeChunk(data)
	if err != nil {
		m.logger.Warn("Malformed chunk dropped", "error", err)
		return
	}
	events, err := m.reasm.Ingest(chunk)
	if err != nil {
		m.logger.Warn("Chunk dropped", "chunk", chunk.ChunkID, "error", err)
	}
	for _, ev := range events {
		switch ev.Kind {
		case reassembly.EventFrame:
			m.session.Publish(ev.Frame)
		case reassembly.EventGap:
			m.logger.Warn("Chunk gap", "missing", ev.Gap.Missing, "after", ev.Gap.AfterID, "resume", ev.Gap.ResumeID)
			out := m.event(EventGap)
			out.Missing = ev.Gap.Missing
			m.emit(out)
		case reassembly.EventEndOfStream:
			m.logger.Info("Video end of stream", "address", m.handle.Address)
			m.emit(m.event(EventEndOfStream))
		}
	}
}

// handleStatus decodes telemetry and runs the interlock before anything else
// can observe the snapshot.
func (m *Manager) handleStatus(data []byte) {
	snap, err := m.decoder.Decode(data)
	if err != nil {
		m.logger.Warn("Telemetry dropped", "error", err)
		ev := m.event(EventTelemetryError)
		ev.Error = err.Error()
		m.emit(ev)
		return
	}
	m.applyInterlock(interlock.Evaluate(snap, m.opts.Thresholds))

	if snap.DeviceID != "" {
		m.handle.DeviceID = snap.DeviceID
	}
	if snap.FirmwareVersion != "" {
		m.handle.FirmwareVersion = snap.FirmwareVersion
	}
	m.handle.Telemetry = &snap
	ev := m.event(EventTelemetry)
	ev.Telemetry = &snap
	m.emit(ev)
}

func (m *Manager) applyInterlock(d interlock.Decision) {
	prev := m.decision.Level
	m.decision = d
	if d.Level != prev {
		m.logger.Info("Interlock level changed", "from", prev, "to", d.Level, "reasons", d.Reasons)
		ev := m.event(EventInterlock)
		ev.Interlock = &d
		m.emit(ev)
	}

	switch d.Level {
	case interlock.Suspend:
		if m.suspended {
			return
		}
		m.suspended = true
		m.session.StopAll()
		m.enqueue(protocol.CmdStopStreaming, nil)
		m.enqueue(protocol.CmdStopRecording, nil)
		m.setState(Suspended)
	case interlock.Throttle:
		if prev != interlock.Throttle && !m.suspended {
			m.enqueue(protocol.CmdModifyBitrate, protocol.Uint32Param(m.opts.Thresholds.ThrottleBitrate))
		}
	case interlock.Normal:
		if m.suspended {
			m.suspended = false
			m.logger.Info("Interlock suspension cleared", "address", m.handle.Address)
			m.setState(m.linkedState())
		}
	}
}

// ApplyConfig validates patch against the active profile and writes the
// result to the lens. Nothing is sent if validation fails.
func (m *Manager) ApplyConfig(ctx context.Context, patch profile.Patch) (profile.ConfigProfile, error) {
	return m.writeConfig(ctx, func(current profile.ConfigProfile) (profile.ConfigProfile, error) {
		return profile.Apply(current, patch)
	})
}

// PushProfile replaces the active profile.
func (m *Manager) PushProfile(ctx context.Context, p profile.ConfigProfile) error {
	_, err := m.writeConfig(ctx, func(profile.ConfigProfile) (profile.ConfigProfile, error) {
		return p, p.Validate()
	})
	return err
}

// Profile returns the last profile accepted by the lens.
func (m *Manager) Profile(ctx context.Context) (profile.ConfigProfile, error) {
	var p profile.ConfigProfile
	err := m.do(ctx, func() { p = m.profile })
	return p, err
}

// adoptProfile records a profile the lens accepted. Its battery threshold
// feeds the interlock and its reconnect bound replaces the configured one.
func (m *Manager) adoptProfile(p profile.ConfigProfile) {
	m.profile = p
	m.profileSet = true
	m.opts.Thresholds.BatteryWarn = p.Power.BatteryThreshold
	m.opts.ReconnectAttempts = p.Connectivity.ReconnectAttempts
}

func (m *Manager) writeConfig(ctx context.Context, build func(profile.ConfigProfile) (profile.ConfigProfile, error)) (profile.ConfigProfile, error) {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	var (
		next   profile.ConfigProfile
		p      radio.Peripheral
		gen    uint64
		result error
	)
	if err := m.do(ctx, func() {
		if !m.handle.State.Linked() || m.peripheral == nil {
			result = linkErr("config", m.handle.State, ErrNotReady, nil)
			return
		}
		next, result = build(m.profile)
		p, gen = m.peripheral, m.gen
	}); err != nil {
		return profile.ConfigProfile{}, err
	}
	if result != nil {
		return profile.ConfigProfile{}, result
	}

	data, err := profile.Encode(next)
	if err != nil {
		return profile.ConfigProfile{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()
	if err := p.Write(wctx, radio.ConfigUUID, data); err != nil {
		return profile.ConfigProfile{}, fmt.Errorf("write config: %w", err)
	}

	var stale bool
	if err := m.do(ctx, func() {
		if gen != m.gen {
			stale = true
			return
		}
		m.adoptProfile(next)
	}); err != nil {
		return profile.ConfigProfile{}, err
	}
	if stale {
		return profile.ConfigProfile{}, linkErr("config", Disconnected, ErrLinkLost, nil)
	}
	m.logger.Info("Config applied", "address", p.Address(), "bytes", len(data))
	return next, nil
}
