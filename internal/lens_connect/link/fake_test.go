package link

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
)

var errRadioDown = errors.New("radio down")

type fakeRadio struct {
	mu          sync.Mutex
	connectErr  error
	hang        bool // Connect blocks until its context ends
	connects    int
	chars       []string
	autoAck     bool
	ackStatus   map[protocol.CommandID]byte
	peripherals []*fakePeripheral
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		chars:     slices.Clone(radio.RequiredCharacteristics),
		autoAck:   true,
		ackStatus: map[protocol.CommandID]byte{},
	}
}

func (r *fakeRadio) Scan(ctx context.Context, filter radio.ScanFilter) (<-chan radio.Advertisement, error) {
	out := make(chan radio.Advertisement, 3)
	for _, adv := range []radio.Advertisement{
		{Address: "lens-1", Name: "HEARTNEYES-1"},
		{Address: "lens-1", Name: "HEARTNEYES-1"},
		{Address: "other", Name: "speaker"},
	} {
		if filter.Match(adv) {
			out <- adv
		}
	}
	close(out)
	return out, nil
}

func (r *fakeRadio) Connect(ctx context.Context, address string) (radio.Peripheral, error) {
	r.mu.Lock()
	r.connects++
	if r.hang {
		r.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	p := &fakePeripheral{
		address: address,
		radio:   r,
		video:   make(chan []byte, 64),
		control: make(chan []byte, 64),
		status:  make(chan []byte, 64),
		gone:    make(chan struct{}),
	}
	r.peripherals = append(r.peripherals, p)
	return p, nil
}

func (r *fakeRadio) setConnectErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
}

func (r *fakeRadio) setHang(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hang = v
}

func (r *fakeRadio) setAutoAck(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoAck = v
}

func (r *fakeRadio) reject(id protocol.CommandID, status byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackStatus[id] = status
}

func (r *fakeRadio) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *fakeRadio) last() *fakePeripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peripherals) == 0 {
		return nil
	}
	return r.peripherals[len(r.peripherals)-1]
}

type write struct {
	uuid string
	data []byte
}

type fakePeripheral struct {
	address string
	radio   *fakeRadio

	mu     sync.Mutex
	closed bool
	writes []write

	video, control, status chan []byte
	gone                   chan struct{}
}

func (p *fakePeripheral) Address() string { return p.address }

func (p *fakePeripheral) Discover(ctx context.Context) ([]string, error) {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	return slices.Clone(p.radio.chars), nil
}

func (p *fakePeripheral) Subscribe(ctx context.Context, uuid string) (<-chan []byte, error) {
	switch uuid {
	case radio.VideoUUID:
		return p.video, nil
	case radio.ControlUUID:
		return p.control, nil
	case radio.StatusUUID:
		return p.status, nil
	}
	return nil, radio.ErrNoCharacteristic
}

func (p *fakePeripheral) Write(ctx context.Context, uuid string, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return radio.ErrPeripheralClosed
	}
	p.writes = append(p.writes, write{uuid: uuid, data: slices.Clone(data)})
	p.mu.Unlock()

	if uuid != radio.ControlUUID {
		return nil
	}
	p.radio.mu.Lock()
	autoAck := p.radio.autoAck
	status := p.radio.ackStatus[protocol.CommandID(data[0])]
	p.radio.mu.Unlock()
	if autoAck {
		p.notify(p.control, protocol.EncodeAck(protocol.Ack{Command: protocol.CommandID(data[0]), Status: status}))
	}
	return nil
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.gone }

func (p *fakePeripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.gone)
	close(p.video)
	close(p.control)
	close(p.status)
	return nil
}

func (p *fakePeripheral) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeripheral) notify(ch chan []byte, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		ch <- b
	}
}

func (p *fakePeripheral) ack(id protocol.CommandID, status byte) {
	p.notify(p.control, protocol.EncodeAck(protocol.Ack{Command: id, Status: status}))
}

func (p *fakePeripheral) chunk(id uint32, key, eos bool, payload []byte) {
	p.notify(p.video, protocol.EncodeChunk(protocol.NewChunk(id, id*33, 33, key, eos, payload)))
}

func (p *fakePeripheral) telemetry(msg string) {
	p.notify(p.status, []byte(msg))
}

// commands returns the ids written to the control characteristic.
func (p *fakePeripheral) commands() []protocol.CommandID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []protocol.CommandID
	for _, w := range p.writes {
		if w.uuid == radio.ControlUUID {
			ids = append(ids, protocol.CommandID(w.data[0]))
		}
	}
	return ids
}

func (p *fakePeripheral) controlWrites() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, w := range p.writes {
		if w.uuid == radio.ControlUUID {
			out = append(out, w.data)
		}
	}
	return out
}

func (p *fakePeripheral) configWrites() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, w := range p.writes {
		if w.uuid == radio.ConfigUUID {
			out = append(out, w.data)
		}
	}
	return out
}

// captureSink records frames it is given.
type captureSink struct {
	name string

	mu     sync.Mutex
	frames []*core.MediaFrame
	closed bool
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) WriteFrame(ctx context.Context, f *core.MediaFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) Frames() []*core.MediaFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

func (s *captureSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
