package server

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
	"k8s.io/utils/keymutex"

	"github.com/heartneyes/lenslink/internal/cloud"
	"github.com/heartneyes/lenslink/internal/lens_connect/link"
	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
	"github.com/heartneyes/lenslink/internal/lens_connect/sink"
	"github.com/heartneyes/lenslink/internal/profile"
	"github.com/heartneyes/lenslink/internal/util"
)

// ErrUnknownDevice is returned for an address or device id the keeper has never seen.
var ErrUnknownDevice = errors.New("unknown device")

// KeeperOptions configure a DeviceKeeper.
type KeeperOptions struct {
	Radio         radio.Radio
	Link          link.Options
	RecordingsDir string
	// Streams creates relay targets; nil disables streaming.
	Streams *cloud.StreamAPI
	UserID  string
	// Profile is pushed to each lens after it connects, if set.
	Profile *profile.ConfigProfile
}

// StreamOptions describe a live stream to create.
type StreamOptions struct {
	Title    string `json:"title"`
	Platform string `json:"platform"`
}

// DeviceSession is one lens held by the keeper.
type DeviceSession struct {
	Address string
	Token   string
	Manager *link.Manager
}

// DeviceKeeper holds one link manager per lens address. Operations on the
// same address are serialized.
type DeviceKeeper struct {
	opts   KeeperOptions
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*DeviceSession
	idMap      *bimap.BiMap[string, string] // address <-> device id
	deviceLock keymutex.KeyMutex
}

// NewDeviceKeeper creates an empty keeper.
func NewDeviceKeeper(opts KeeperOptions) *DeviceKeeper {
	return &DeviceKeeper{
		opts:       opts,
		logger:     util.GetLogger().With("component", "device_keeper"),
		sessions:   make(map[string]*DeviceSession),
		idMap:      bimap.NewBiMap[string, string](),
		deviceLock: keymutex.NewHashed(64),
	}
}

// Scan lists lenses in range using a throwaway manager.
func (dk *DeviceKeeper) Scan(ctx context.Context, filter radio.ScanFilter) ([]radio.Advertisement, error) {
	m := link.NewManager(dk.opts.Radio, dk.opts.Link)
	defer m.Close(context.Background())
	found, err := m.Scan(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan for lenses")
	}
	return found, nil
}

// Resolve maps an address or a device id to the address the keeper uses.
func (dk *DeviceKeeper) Resolve(key string) (string, bool) {
	dk.mu.RLock()
	defer dk.mu.RUnlock()

	if _, ok := dk.sessions[key]; ok {
		return key, true
	}
	if address, ok := dk.idMap.GetInverse(key); ok {
		return address, true
	}
	return "", false
}

// Get returns the session for an address or device id.
func (dk *DeviceKeeper) Get(key string) (*DeviceSession, bool) {
	address, ok := dk.Resolve(key)
	if !ok {
		return nil, false
	}
	dk.mu.RLock()
	defer dk.mu.RUnlock()
	session, ok := dk.sessions[address]
	return session, ok
}

// DeviceID returns the lens id reported for address, once telemetry has arrived.
func (dk *DeviceKeeper) DeviceID(address string) string {
	dk.mu.RLock()
	defer dk.mu.RUnlock()
	id, _ := dk.idMap.Get(address)
	return id
}

// Addresses returns known addresses in sorted order.
func (dk *DeviceKeeper) Addresses() []string {
	dk.mu.RLock()
	defer dk.mu.RUnlock()
	out := make([]string, 0, len(dk.sessions))
	for address := range dk.sessions {
		out = append(out, address)
	}
	slices.Sort(out)
	return out
}

// session returns the session for address, creating it on first use.
func (dk *DeviceKeeper) session(address string) *DeviceSession {
	dk.mu.Lock()
	defer dk.mu.Unlock()

	if s, ok := dk.sessions[address]; ok {
		return s
	}
	s := &DeviceSession{
		Address: address,
		Token:   uniuri.NewLen(16),
		Manager: link.NewManager(dk.opts.Radio, dk.opts.Link),
	}
	dk.sessions[address] = s
	go dk.watch(s)
	return s
}

// watch tracks the device id a lens reports about itself.
func (dk *DeviceKeeper) watch(s *DeviceSession) {
	events := s.Manager.Subscribe("keeper-"+s.Token, 64)
	for ev := range events {
		switch ev.Type {
		case link.EventTelemetry:
			if ev.Telemetry == nil || ev.Telemetry.DeviceID == "" {
				continue
			}
			dk.mu.Lock()
			if id, ok := dk.idMap.Get(s.Address); !ok || id != ev.Telemetry.DeviceID {
				dk.idMap.Delete(s.Address)
				dk.idMap.DeleteInverse(ev.Telemetry.DeviceID)
				dk.idMap.Insert(s.Address, ev.Telemetry.DeviceID)
				dk.logger.Info("Lens identified", "address", s.Address, "device", ev.Telemetry.DeviceID)
			}
			dk.mu.Unlock()
		case link.EventUnreachable:
			dk.logger.Error("Lens unreachable", "address", s.Address, "error", ev.Error)
		case link.EventSinkError:
			dk.logger.Warn("Sink failed", "address", s.Address, "sink", ev.Sink, "error", ev.Error)
		}
	}
}

func (dk *DeviceKeeper) lookup(key string) (*DeviceSession, error) {
	s, ok := dk.Get(key)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDevice, "device %s", key)
	}
	return s, nil
}

// Connect links to the lens at address and pushes the configured profile.
// The link is dropped again if the lens does not take the profile.
func (dk *DeviceKeeper) Connect(ctx context.Context, address string) error {
	dk.deviceLock.LockKey(address)
	defer dk.deviceLock.UnlockKey(address)

	s := dk.session(address)
	if err := s.Manager.Connect(ctx, address); err != nil {
		return errors.Wrapf(err, "failed to connect lens %s", address)
	}
	if dk.opts.Profile != nil {
		if err := s.Manager.PushProfile(ctx, *dk.opts.Profile); err != nil {
			// a lens without our profile is not left linked
			if derr := s.Manager.Disconnect(context.WithoutCancel(ctx)); derr != nil {
				dk.logger.Warn("Disconnect after profile push failed", "address", address, "error", derr)
			}
			return errors.Wrapf(err, "failed to push profile to lens %s", address)
		}
	}
	return nil
}

// Disconnect tears down the link to a lens. Unknown devices are ignored.
func (dk *DeviceKeeper) Disconnect(ctx context.Context, key string) error {
	s, ok := dk.Get(key)
	if !ok {
		return nil
	}
	dk.deviceLock.LockKey(s.Address)
	defer dk.deviceLock.UnlockKey(s.Address)
	return s.Manager.Disconnect(ctx)
}

// StartRecording opens a WebM file shaped by the active profile and starts
// recording into it. It returns the file path.
func (dk *DeviceKeeper) StartRecording(ctx context.Context, key string) (string, error) {
	s, err := dk.lookup(key)
	if err != nil {
		return "", err
	}
	dk.deviceLock.LockKey(s.Address)
	defer dk.deviceLock.UnlockKey(s.Address)

	p, err := s.Manager.Profile(ctx)
	if err != nil {
		return "", err
	}
	rec, err := sink.NewWebMRecorder(sink.RecorderOptions{
		Dir:        dk.opts.RecordingsDir,
		Codec:      p.Video.Codec,
		Resolution: p.Video.Resolution,
		Framerate:  p.Video.Framerate,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create recording")
	}
	if err := s.Manager.StartRecording(ctx, rec); err != nil {
		rec.Close()
		os.Remove(rec.Path())
		return "", errors.Wrapf(err, "failed to start recording on %s", s.Address)
	}
	dk.logger.Info("Recording started", "address", s.Address, "path", rec.Path())
	return rec.Path(), nil
}

// StopRecording stops the recording sink.
func (dk *DeviceKeeper) StopRecording(ctx context.Context, key string) error {
	s, err := dk.lookup(key)
	if err != nil {
		return err
	}
	return s.Manager.StopRecording(ctx)
}

// StartStreaming creates a stream session, dials its relay and attaches it.
// The stream session is ended when the relay closes.
func (dk *DeviceKeeper) StartStreaming(ctx context.Context, key string, in StreamOptions) (*cloud.StreamSession, error) {
	if dk.opts.Streams == nil {
		return nil, errors.New("stream service is not configured")
	}
	s, err := dk.lookup(key)
	if err != nil {
		return nil, err
	}
	dk.deviceLock.LockKey(s.Address)
	defer dk.deviceLock.UnlockKey(s.Address)

	if in.Platform == "" {
		if p, err := s.Manager.Profile(ctx); err == nil {
			in.Platform = p.Streaming.Platform
		}
	}
	if in.Title == "" {
		in.Title = "HEART'N'EYES live " + time.Now().Format("2006-01-02 15:04")
	}
	session, err := dk.opts.Streams.CreateStream(ctx, cloud.CreateStreamRequest{
		UserID:   dk.opts.UserID,
		Title:    in.Title,
		Platform: in.Platform,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stream session")
	}

	relay, err := sink.DialRelay(ctx, sink.RelayTarget{
		StreamID:  session.StreamID,
		StreamURL: session.StreamURL,
		StreamKey: session.StreamKey,
	})
	if err != nil {
		dk.endStream(session.StreamID)
		return nil, errors.Wrapf(err, "failed to dial relay for stream %s", session.StreamID)
	}
	relay.OnClose(func() { dk.endStream(session.StreamID) })

	if err := s.Manager.StartStreaming(ctx, relay); err != nil {
		relay.Close()
		return nil, errors.Wrapf(err, "failed to start streaming on %s", s.Address)
	}
	dk.logger.Info("Streaming started", "address", s.Address, "stream", session.StreamID)
	return session, nil
}

func (dk *DeviceKeeper) endStream(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dk.opts.Streams.EndStream(ctx, streamID); err != nil {
		dk.logger.Warn("Failed to end stream session", "stream", streamID, "error", err)
	}
}

// StopStreaming stops the relay sink.
func (dk *DeviceKeeper) StopStreaming(ctx context.Context, key string) error {
	s, err := dk.lookup(key)
	if err != nil {
		return err
	}
	return s.Manager.StopStreaming(ctx)
}

// SendCommand sends a named command with a textual parameter.
func (dk *DeviceKeeper) SendCommand(ctx context.Context, key, name, param string) error {
	s, err := dk.lookup(key)
	if err != nil {
		return err
	}
	spec, ok := protocol.CommandByName(name)
	if !ok {
		return errors.Wrapf(protocol.ErrUnknownCommand, "command %q", name)
	}
	params, err := protocol.ParseParam(spec, param)
	if err != nil {
		return err
	}
	return s.Manager.SendCommand(ctx, spec.ID, params)
}

// ApplyConfig applies a partial profile update to a lens.
func (dk *DeviceKeeper) ApplyConfig(ctx context.Context, key string, patch profile.Patch) (profile.ConfigProfile, error) {
	s, err := dk.lookup(key)
	if err != nil {
		return profile.ConfigProfile{}, err
	}
	return s.Manager.ApplyConfig(ctx, patch)
}

// Status returns the status of one lens.
func (dk *DeviceKeeper) Status(ctx context.Context, key string) (link.Status, error) {
	s, err := dk.lookup(key)
	if err != nil {
		return link.Status{}, err
	}
	return s.Manager.Status(ctx)
}

// List returns the status of every known lens.
func (dk *DeviceKeeper) List(ctx context.Context) []link.Status {
	var out []link.Status
	for _, address := range dk.Addresses() {
		if st, err := dk.Status(ctx, address); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Close disconnects every lens and waits for sinks to finish.
func (dk *DeviceKeeper) Close(ctx context.Context) error {
	dk.mu.Lock()
	sessions := make([]*DeviceSession, 0, len(dk.sessions))
	for _, s := range dk.sessions {
		sessions = append(sessions, s)
	}
	dk.sessions = make(map[string]*DeviceSession)
	dk.idMap = bimap.NewBiMap[string, string]()
	dk.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		wg.Go(func() {
			errs[i] = s.Manager.Close(ctx)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "failed to close lens sessions")
		}
	}
	return nil
}
