package link

import (
	"context"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/heartneyes/lenslink/internal/lens_connect/pipeline"
	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
)

// pendingCommand is a command waiting for its acknowledgement.
type pendingCommand struct {
	id       protocol.CommandID
	frame    []byte
	internal bool
	timer    clock.Timer
	result   chan error // buffered, receives exactly once
	// onAck runs on the loop after an accepted acknowledgement.
	onAck func() error
}

func (pc *pendingCommand) finish(err error) {
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.result <- err
}

func stopFrame(kind pipeline.SinkKind) []byte {
	frame, _ := protocol.Encode(stopCommand(kind), nil)
	return frame
}

// SendCommand encodes and sends one command and waits for the lens to
// acknowledge it. Only one command may be in flight; a second caller gets
// ErrCommandBusy.
func (m *Manager) SendCommand(ctx context.Context, id protocol.CommandID, params []byte) error {
	frame, err := protocol.Encode(id, params)
	if err != nil {
		return err
	}
	return m.command(ctx, id, frame, nil, nil)
}

// command submits frame from a caller and waits for the outcome.
// precheck and onAck run on the loop.
func (m *Manager) command(ctx context.Context, id protocol.CommandID, frame []byte, precheck, onAck func() error) error {
	pc := &pendingCommand{id: id, frame: frame, result: make(chan error, 1), onAck: onAck}
	if err := m.do(ctx, func() {
		if err := m.checkCommand(id); err != nil {
			pc.result <- err
			return
		}
		if precheck != nil {
			if err := precheck(); err != nil {
				pc.result <- err
				return
			}
		}
		m.submit(pc)
	}); err != nil {
		return err
	}
	select {
	case err := <-pc.result:
		return err
	case <-ctx.Done():
		// the slot stays busy until the ack or the timeout
		return ctx.Err()
	}
}

func (m *Manager) checkCommand(id protocol.CommandID) error {
	state := m.handle.State
	if !state.AcceptsCommands() {
		return linkErr("command "+id.String(), state, ErrNotReady, nil)
	}
	if spec, ok := protocol.LookupCommand(id); ok && spec.Media && m.suspended {
		return linkErr("command "+id.String(), state, ErrSuspended, nil)
	}
	return nil
}

// enqueue sends an engine-originated command, waiting behind any caller
// command instead of failing busy. Runs on the loop.
func (m *Manager) enqueue(id protocol.CommandID, params []byte) {
	frame, err := protocol.Encode(id, params)
	if err != nil {
		m.logger.Error("Internal command rejected by codec", "command", id, "error", err)
		return
	}
	pc := &pendingCommand{id: id, frame: frame, internal: true, result: make(chan error, 1)}
	m.submit(pc)
}

// submit puts pc in the command slot and writes it. Runs on the loop.
func (m *Manager) submit(pc *pendingCommand) {
	if m.pending != nil {
		if pc.internal {
			m.queued = append(m.queued, pc)
			return
		}
		pc.result <- linkErr("command "+pc.id.String(), m.handle.State, ErrCommandBusy, fmt.Errorf("%s in flight", m.pending.id))
		return
	}
	p := m.peripheral
	if p == nil {
		pc.result <- linkErr("command "+pc.id.String(), m.handle.State, ErrNotReady, nil)
		return
	}

	m.pending = pc
	pc.timer = m.clock.AfterFunc(m.opts.CommandTimeout, func() {
		m.post(func() { m.commandTimedOut(pc) })
	})
	m.logger.Debug("Command sent", "command", pc.id, "internal", pc.internal)

	timeout := m.opts.CommandTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.Write(ctx, radio.ControlUUID, pc.frame); err != nil {
			m.post(func() { m.commandWriteFailed(pc, err) })
		}
	}()
}

func (m *Manager) handleAck(data []byte) {
	ack, err := protocol.DecodeAck(data)
	if err != nil {
		m.logger.Warn("Malformed acknowledgement dropped", "error", err)
		return
	}
	pc := m.pending
	if pc == nil || pc.id != ack.Command {
		m.logger.Debug("Unexpected acknowledgement", "ack", ack)
		return
	}
	m.pending = nil

	var result error
	if !ack.OK() {
		result = linkErr("command "+pc.id.String(), m.handle.State, ErrCommandRejected, fmt.Errorf("status %d", ack.Status))
		ev := m.event(EventCommand)
		ev.Command = pc.id.String()
		ev.Error = result.Error()
		m.emit(ev)
	} else if pc.onAck != nil {
		result = pc.onAck()
	}
	if result != nil && pc.internal {
		m.logger.Warn("Internal command failed", "command", pc.id, "error", result)
	}
	pc.finish(result)
	m.next()
}

func (m *Manager) commandTimedOut(pc *pendingCommand) {
	if m.pending != pc {
		return
	}
	m.pending = nil
	m.logger.Warn("Command acknowledgement timed out", "command", pc.id, "timeout", m.opts.CommandTimeout)
	pc.finish(linkErr("command "+pc.id.String(), m.handle.State, ErrCommandTimeout, nil))
	m.next()
}

func (m *Manager) commandWriteFailed(pc *pendingCommand, err error) {
	if m.pending != pc {
		return
	}
	m.pending = nil
	m.logger.Warn("Command write failed", "command", pc.id, "error", err)
	pc.finish(linkErr("command "+pc.id.String(), m.handle.State, ErrNotReady, err))
	m.next()
}

// next sends the oldest queued internal command.
func (m *Manager) next() {
	for len(m.queued) > 0 && m.pending == nil {
		pc := m.queued[0]
		m.queued = m.queued[1:]
		m.submit(pc)
	}
}

// failCommands resolves the pending and queued commands with err.
func (m *Manager) failCommands(err error) {
	if pc := m.pending; pc != nil {
		m.pending = nil
		pc.finish(err)
	}
	for _, pc := range m.queued {
		pc.finish(err)
	}
	m.queued = nil
}
