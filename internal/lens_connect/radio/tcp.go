package radio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/heartneyes/lenslink/internal/util"
)

const notifyBuffer = 256

// SmuxConfig is shared by the driver and the simulator. Keepalive is what
// detects a silent link.
func SmuxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.KeepAliveInterval = 2 * time.Second
	cfg.KeepAliveTimeout = 6 * time.Second
	return cfg
}

// TCPRadio reaches lenses, or the simulator, over TCP. Each characteristic
// operation uses its own smux stream on one connection.
type TCPRadio struct {
	// Addresses are probed by Scan.
	Addresses   []string
	DialTimeout time.Duration
}

// NewTCPRadio creates a driver that scans the given host:port addresses.
func NewTCPRadio(addresses ...string) *TCPRadio {
	return &TCPRadio{Addresses: addresses, DialTimeout: 3 * time.Second}
}

// Scan probes every configured address concurrently.
func (t *TCPRadio) Scan(ctx context.Context, filter ScanFilter) (<-chan Advertisement, error) {
	if len(t.Addresses) == 0 {
		return nil, errors.New("no radio addresses configured")
	}
	out := make(chan Advertisement, len(t.Addresses))

	var wg sync.WaitGroup
	for _, addr := range t.Addresses {
		wg.Go(func() {
			adv, err := t.probe(ctx, addr)
			if err != nil {
				util.GetLogger().Debug("Scan probe failed", "address", addr, "error", err)
				return
			}
			if !filter.Match(adv) {
				return
			}
			select {
			case out <- adv:
			case <-ctx.Done():
			}
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (t *TCPRadio) probe(ctx context.Context, addr string) (Advertisement, error) {
	p, err := t.connect(ctx, addr)
	if err != nil {
		return Advertisement{}, err
	}
	defer p.Close()

	body, err := p.request(ctx, opAdvertise, nil)
	if err != nil {
		return Advertisement{}, err
	}
	var adv Advertisement
	if err := json.Unmarshal(body, &adv); err != nil {
		return Advertisement{}, errors.Wrap(err, "invalid advertisement")
	}
	adv.Address = addr
	return adv, nil
}

// Connect opens a link to address.
func (t *TCPRadio) Connect(ctx context.Context, address string) (Peripheral, error) {
	return t.connect(ctx, address)
}

func (t *TCPRadio) connect(ctx context.Context, address string) (*tcpPeripheral, error) {
	dialer := net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", address)
	}
	session, err := smux.Client(conn, SmuxConfig())
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to create smux session to %s", address)
	}
	return &tcpPeripheral{
		address: address,
		session: session,
		logger:  util.GetLogger().With("component", "tcp_radio", "address", address),
	}, nil
}

type tcpPeripheral struct {
	address string
	session *smux.Session
	logger  *slog.Logger

	mu      sync.Mutex
	streams []*smux.Stream
	closed  bool
}

func (p *tcpPeripheral) Address() string { return p.address }

func (p *tcpPeripheral) Disconnected() <-chan struct{} { return p.session.CloseChan() }

// openStream opens a stream whose deadline follows ctx.
func (p *tcpPeripheral) openStream(ctx context.Context) (*smux.Stream, func() bool, error) {
	stream, err := p.session.OpenStream()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPeripheralClosed, err)
	}
	if d, ok := ctx.Deadline(); ok {
		stream.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		stream.SetDeadline(time.Now())
	})
	return stream, stop, nil
}

func (p *tcpPeripheral) request(ctx context.Context, op string, data []byte) ([]byte, error) {
	stream, stop, err := p.openStream(ctx)
	if err != nil {
		return nil, err
	}
	defer stop()
	defer stream.Close()

	if err := writeFrame(stream, []byte(op)); err != nil {
		return nil, errors.Wrapf(err, "failed to send %s", op)
	}
	if data != nil {
		if err := writeFrame(stream, data); err != nil {
			return nil, errors.Wrapf(err, "failed to send %s payload", op)
		}
	}
	body, err := readResponse(stream)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return body, err
}

func (p *tcpPeripheral) Discover(ctx context.Context) ([]string, error) {
	body, err := p.request(ctx, opDiscover, nil)
	if err != nil {
		return nil, err
	}
	var uuids []string
	if err := json.Unmarshal(body, &uuids); err != nil {
		return nil, errors.Wrap(err, "invalid discovery response")
	}
	return uuids, nil
}

func (p *tcpPeripheral) Write(ctx context.Context, uuid string, data []byte) error {
	_, err := p.request(ctx, opWrite+" "+uuid, data)
	return err
}

// Subscribe keeps a stream open and forwards each frame in order.
func (p *tcpPeripheral) Subscribe(ctx context.Context, uuid string) (<-chan []byte, error) {
	stream, stop, err := p.openStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, []byte(opNotify+" "+uuid)); err != nil {
		stop()
		stream.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", uuid)
	}
	if _, err := readResponse(stream); err != nil {
		stop()
		stream.Close()
		return nil, err
	}
	// the subscription outlives the setup context
	stop()
	stream.SetDeadline(time.Time{})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		stream.Close()
		return nil, ErrPeripheralClosed
	}
	p.streams = append(p.streams, stream)
	p.mu.Unlock()

	out := make(chan []byte, notifyBuffer)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			frame, err := readFrame(stream)
			if err != nil {
				p.logger.Debug("Notification stream ended", "uuid", uuid, "error", err)
				return
			}
			select {
			case out <- frame:
			case <-p.session.CloseChan():
				return
			}
		}
	}()
	return out, nil
}

func (p *tcpPeripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	streams := p.streams
	p.streams = nil
	p.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return p.session.Close()
}
