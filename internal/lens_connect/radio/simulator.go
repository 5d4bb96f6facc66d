package radio

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/tidwall/gjson"
	"github.com/xtaci/smux"

	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/util"
)

// SimulatorOptions shape the simulated lens.
type SimulatorOptions struct {
	Name            string
	DeviceID        string
	FirmwareVersion string

	ChunkInterval  time.Duration
	ChunkSize      int
	KeyframeEvery  int
	StatusInterval time.Duration

	Battery     float64
	Temperature float64
	// BatteryDrain is subtracted per status tick while media is active.
	BatteryDrain float64

	AckDelay time.Duration
	// OmitCharacteristics are left out of discovery.
	OmitCharacteristics []string
}

// DefaultSimulatorOptions returns a healthy lens producing ~30 chunks/s.
func DefaultSimulatorOptions() SimulatorOptions {
	return SimulatorOptions{
		Name:            "HEARTNEYES-" + strings.ToUpper(uniuri.NewLen(4)),
		DeviceID:        "HNE-" + strings.ToUpper(uniuri.NewLen(8)),
		FirmwareVersion: "1.0.0",
		ChunkInterval:   33 * time.Millisecond,
		ChunkSize:       512,
		KeyframeEvery:   30,
		StatusInterval:  time.Second,
		Battery:         100,
		Temperature:     34,
		BatteryDrain:    0.05,
	}
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// Simulator is a lens peripheral served over TCP with smux streams.
type Simulator struct {
	opts   SimulatorOptions
	logger *slog.Logger

	mu          sync.Mutex
	listener    net.Listener
	sessions    map[*smux.Session]struct{}
	subs        map[string]map[*subscriber]struct{}
	recording   bool
	streaming   bool
	recStart    time.Time
	strStart    time.Time
	bitrate     uint32
	exposure    int8
	hdr         bool
	framerate   uint8
	stabilize   bool
	motion      bool
	config      []byte
	chunkID     uint32
	sinceKey    int
	mediaStart  time.Time
	battery     float64
	temperature float64
	rejects     map[protocol.CommandID]byte
	silentAcks  bool
	commands    []protocol.CommandFrame

	// videoMu keeps chunk id allocation and delivery in the same order.
	videoMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSimulator creates a simulator; call Serve or Listen to start it.
func NewSimulator(opts SimulatorOptions) *Simulator {
	def := DefaultSimulatorOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.DeviceID == "" {
		opts.DeviceID = def.DeviceID
	}
	if opts.FirmwareVersion == "" {
		opts.FirmwareVersion = def.FirmwareVersion
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = def.ChunkInterval
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.KeyframeEvery <= 0 {
		opts.KeyframeEvery = def.KeyframeEvery
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = def.StatusInterval
	}
	return &Simulator{
		opts:        opts,
		logger:      util.GetLogger().With("component", "simulator", "device", opts.DeviceID),
		sessions:    make(map[*smux.Session]struct{}),
		subs:        make(map[string]map[*subscriber]struct{}),
		bitrate:     2500000,
		hdr:         true,
		framerate:   30,
		battery:     opts.Battery,
		temperature: opts.Temperature,
		rejects:     make(map[protocol.CommandID]byte),
		stop:        make(chan struct{}),
	}
}

// Listen starts serving on addr and returns the bound address.
func (s *Simulator) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.Serve(ln)
	return ln.Addr().String(), nil
}

// Serve accepts connections from ln in the background.
func (s *Simulator) Serve(ln net.Listener) {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Go(func() { s.acceptLoop(ln) })
	s.wg.Go(s.mediaLoop)
	s.wg.Go(s.statusLoop)
	s.logger.Info("Simulator listening", "address", ln.Addr().String(), "name", s.opts.Name)
}

// Close stops the simulator and drops every link.
func (s *Simulator) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.DropLinks()
	s.wg.Wait()
	return nil
}

// DropLinks closes every connected session, as if the radio link vanished.
func (s *Simulator) DropLinks() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[*smux.Session]struct{})
	s.mu.Unlock()
	for sess := range sessions {
		sess.Close()
	}
}

// SetBattery overrides the battery level reported next.
func (s *Simulator) SetBattery(v float64) {
	s.mu.Lock()
	s.battery = v
	s.mu.Unlock()
}

// SetTemperature overrides the temperature reported next.
func (s *Simulator) SetTemperature(v float64) {
	s.mu.Lock()
	s.temperature = v
	s.mu.Unlock()
}

// Reject makes the lens acknowledge id with a non-zero status.
func (s *Simulator) Reject(id protocol.CommandID, status byte) {
	s.mu.Lock()
	s.rejects[id] = status
	s.mu.Unlock()
}

// SilenceAcks stops acknowledging commands.
func (s *Simulator) SilenceAcks(v bool) {
	s.mu.Lock()
	s.silentAcks = v
	s.mu.Unlock()
}

// Commands returns the commands received so far.
func (s *Simulator) Commands() []protocol.CommandFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.CommandFrame(nil), s.commands...)
}

// Config returns the last configuration written by the host.
func (s *Simulator) Config() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.config...)
}

// Media reports whether the lens is recording and streaming.
func (s *Simulator) Media() (recording, streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording, s.streaming
}

// PushStatus sends a status notification immediately.
func (s *Simulator) PushStatus() {
	s.notify(StatusUUID, s.status())
}

// PushChunk sends a raw chunk notification.
func (s *Simulator) PushChunk(b []byte) {
	s.notify(VideoUUID, b)
}

func (s *Simulator) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		session, err := smux.Server(conn, SmuxConfig())
		if err != nil {
			conn.Close()
			continue
		}
		s.mu.Lock()
		s.sessions[session] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("Host connected", "remote", conn.RemoteAddr().String())

		s.wg.Go(func() { s.serveSession(session) })
	}
}

func (s *Simulator) serveSession(session *smux.Session) {
	defer func() {
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
		session.Close()
	}()
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		s.wg.Go(func() { s.serveStream(session, stream) })
	}
}

func (s *Simulator) serveStream(session *smux.Session, stream *smux.Stream) {
	defer stream.Close()

	req, err := readFrame(stream)
	if err != nil {
		return
	}
	op, arg, _ := strings.Cut(string(req), " ")
	switch op {
	case opAdvertise:
		body, _ := json.Marshal(Advertisement{Name: s.opts.Name, Services: []string{ServiceUUID}, RSSI: -48})
		writeResponse(stream, statusOK, body)
	case opDiscover:
		body, _ := json.Marshal(s.characteristics())
		writeResponse(stream, statusOK, body)
	case opNotify:
		if !s.hasCharacteristic(arg) {
			writeResponse(stream, statusNotFound, []byte(arg))
			return
		}
		s.serveNotify(session, stream, arg)
	case opWrite:
		data, err := readFrame(stream)
		if err != nil {
			return
		}
		status, msg := s.handleWrite(arg, data)
		writeResponse(stream, status, []byte(msg))
	default:
		writeResponse(stream, statusBadReq, []byte("unknown request "+op))
	}
}

func (s *Simulator) characteristics() []string {
	var out []string
	for _, c := range RequiredCharacteristics {
		if s.hasCharacteristic(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Simulator) hasCharacteristic(uuid string) bool {
	for _, omit := range s.opts.OmitCharacteristics {
		if strings.EqualFold(omit, uuid) {
			return false
		}
	}
	for _, c := range RequiredCharacteristics {
		if c == uuid {
			return true
		}
	}
	return false
}

func (s *Simulator) serveNotify(session *smux.Session, stream *smux.Stream, uuid string) {
	sub := &subscriber{ch: make(chan []byte, notifyBuffer), done: make(chan struct{})}
	s.mu.Lock()
	if s.subs[uuid] == nil {
		s.subs[uuid] = make(map[*subscriber]struct{})
	}
	s.subs[uuid][sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs[uuid], sub)
		s.mu.Unlock()
		close(sub.done)
	}()

	// registered before the reply so nothing sent after it is missed
	if err := writeResponse(stream, statusOK, nil); err != nil {
		return
	}

	for {
		select {
		case b := <-sub.ch:
			if err := writeFrame(stream, b); err != nil {
				return
			}
		case <-session.CloseChan():
			return
		case <-s.stop:
			return
		}
	}
}

// notify fans b out to subscribers of uuid, dropping it for a subscriber
// that is too far behind.
func (s *Simulator) notify(uuid string, b []byte) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs[uuid]))
	for sub := range s.subs[uuid] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- b:
		case <-sub.done:
		default:
			s.logger.Warn("Notification dropped", "uuid", uuid)
		}
	}
}

func (s *Simulator) handleWrite(uuid string, data []byte) (byte, string) {
	switch uuid {
	case ControlUUID:
		if !s.hasCharacteristic(ControlUUID) {
			return statusNotFound, uuid
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			return statusBadReq, err.Error()
		}
		s.handleCommand(frame)
		return statusOK, ""
	case ConfigUUID:
		if !s.hasCharacteristic(ConfigUUID) {
			return statusNotFound, uuid
		}
		if !gjson.ValidBytes(data) {
			return statusRejected, "config is not valid JSON"
		}
		if gjson.GetBytes(data, "privacy.recordingIndicator").String() == "hidden" {
			s.logger.Warn("Host wrote a hidden recording indicator")
		}
		s.mu.Lock()
		s.config = append([]byte(nil), data...)
		s.mu.Unlock()
		return statusOK, ""
	}
	return statusNotFound, uuid
}

func (s *Simulator) handleCommand(f protocol.CommandFrame) {
	params := f.Params()
	status := protocol.AckStatusOK

	stopped := false
	s.mu.Lock()
	s.commands = append(s.commands, f)
	if st, ok := s.rejects[f.ID()]; ok {
		status = st
	} else if _, known := protocol.LookupCommand(f.ID()); !known {
		status = 0xFF
	} else {
		stopped = s.applyCommand(f.ID(), params)
	}
	silent := s.silentAcks
	delay := s.opts.AckDelay
	s.mu.Unlock()

	s.logger.Debug("Command received", "command", f.ID(), "params", len(params), "status", status)
	if stopped {
		s.sendEndOfStream()
	}
	if silent {
		return
	}
	ack := protocol.EncodeAck(protocol.Ack{Command: f.ID(), Status: status})
	if delay <= 0 {
		s.notify(ControlUUID, ack)
		return
	}
	s.wg.Go(func() {
		select {
		case <-time.After(delay):
			s.notify(ControlUUID, ack)
		case <-s.stop:
		}
	})
}

// applyCommand runs with s.mu held. It reports whether media output stopped.
func (s *Simulator) applyCommand(id protocol.CommandID, params []byte) bool {
	now := time.Now()
	wasActive := s.recording || s.streaming
	switch id {
	case protocol.CmdStartRecording, protocol.CmdResumeRecording:
		if !s.recording {
			s.recording = true
			s.recStart = now
		}
	case protocol.CmdStopRecording, protocol.CmdPauseRecording:
		s.recording = false
	case protocol.CmdStartStreaming:
		if !s.streaming {
			s.streaming = true
			s.strStart = now
		}
	case protocol.CmdStopStreaming:
		s.streaming = false
	case protocol.CmdModifyBitrate:
		if v, err := protocol.ParseUint32Param(params); err == nil {
			s.bitrate = v
		}
	case protocol.CmdAdjustExposure:
		s.exposure = int8(params[0])
	case protocol.CmdToggleHDR:
		s.hdr = params[0] == 1
	case protocol.CmdAdjustFramerate:
		s.framerate = params[0]
	case protocol.CmdToggleImageStabilization:
		s.stabilize = params[0] == 1
	case protocol.CmdToggleMotionDetection:
		s.motion = params[0] == 1
	case protocol.CmdPowerOff:
		s.recording = false
		s.streaming = false
	}
	active := s.recording || s.streaming
	if !wasActive && active {
		s.mediaStart = now
		s.sinceKey = 0
	}
	return wasActive && !active
}

func (s *Simulator) sendEndOfStream() {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()

	s.mu.Lock()
	s.chunkID++
	eos := protocol.NewChunk(s.chunkID, uint32(time.Since(s.mediaStart).Milliseconds()), 0, false, true, nil)
	s.mu.Unlock()
	s.notify(VideoUUID, protocol.EncodeChunk(eos))
}

func (s *Simulator) mediaLoop() {
	ticker := time.NewTicker(s.opts.ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.emitChunk()
	}
}

func (s *Simulator) emitChunk() {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()

	s.mu.Lock()
	if !s.recording && !s.streaming {
		s.mu.Unlock()
		return
	}
	s.chunkID++
	key := s.sinceKey%s.opts.KeyframeEvery == 0
	s.sinceKey++
	ts := uint32(time.Since(s.mediaStart).Milliseconds())
	id := s.chunkID
	s.mu.Unlock()

	payload := make([]byte, s.opts.ChunkSize)
	rand.Read(payload)
	c := protocol.NewChunk(id, ts, uint32(s.opts.ChunkInterval.Milliseconds()), key, false, payload)
	s.notify(VideoUUID, protocol.EncodeChunk(c))
}

func (s *Simulator) statusLoop() {
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.notify(StatusUUID, s.status())
		}
	}
}

func (s *Simulator) status() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.recording || s.streaming {
		s.battery -= s.opts.BatteryDrain
		if s.battery < 0 {
			s.battery = 0
		}
	}
	recDur, strDur := 0, 0
	if s.recording {
		recDur = int(now.Sub(s.recStart).Seconds())
	}
	if s.streaming {
		strDur = int(now.Sub(s.strStart).Seconds())
	}
	msg := map[string]interface{}{
		"deviceId":                  s.opts.DeviceID,
		"firmwareVersion":           s.opts.FirmwareVersion,
		"batteryLevel":              int(s.battery),
		"batteryTimeRemaining":      int(s.battery * 2),
		"temperature":               s.temperature,
		"isRecording":               s.recording,
		"isStreaming":               s.streaming,
		"recordingDuration":         recDur,
		"streamingDuration":         strDur,
		"exposure":                  s.exposure,
		"hdrEnabled":                s.hdr,
		"framerate":                 s.framerate,
		"imageStabilizationEnabled": s.stabilize,
		"motionDetectionEnabled":    s.motion,
		"storageAvailable":          4096,
		"storageUsed":               float64(s.chunkID) * float64(s.opts.ChunkSize) / (1 << 20),
		"streamBitrate":             s.bitrate,
		"packetLoss":                0.0,
		"latency":                   40,
	}
	b, _ := json.Marshal(msg)
	return b
}

// RunSimulator serves a simulator on addr until ctx is done.
func RunSimulator(ctx context.Context, addr string, opts SimulatorOptions) error {
	sim := NewSimulator(opts)
	bound, err := sim.Listen(addr)
	if err != nil {
		return err
	}
	util.GetLogger().Info("Simulated lens ready", "address", bound, "name", sim.opts.Name, "device", sim.opts.DeviceID)
	<-ctx.Done()
	sim.Close()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
