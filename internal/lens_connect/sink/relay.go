package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
	"github.com/heartneyes/lenslink/internal/util"
)

// Relay frame header: seq, timestampMs, durationMs (u32 big-endian) then flags.
const RelayHeaderSize = 13

// Relay frame flags
const (
	RelayFlagKeyframe    = byte(1) << 0
	RelayFlagEndOfStream = byte(1) << 1
)

const defaultRelayWriteTimeout = 5 * time.Second

// RelayTarget is where a live stream is sent, as returned by the stream
// session service.
type RelayTarget struct {
	StreamID  string
	StreamURL string
	StreamKey string
}

// Relay is the streaming sink. Each frame is one binary WebSocket message.
type Relay struct {
	id           string
	target       RelayTarget
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger
	frames       int
	onClose      func()
}

// DialRelay connects to target. The stream key is sent as a bearer token.
func DialRelay(ctx context.Context, target RelayTarget) (*Relay, error) {
	wsURL, err := relayURL(target.StreamURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if target.StreamKey != "" {
		header.Set("Authorization", "Bearer "+target.StreamKey)
	}
	if target.StreamID != "" {
		header.Set("X-Stream-Id", target.StreamID)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay dial %s: %w", wsURL, err)
	}

	id := uuid.NewString()
	r := &Relay{
		id:           id,
		target:       target,
		conn:         conn,
		writeTimeout: defaultRelayWriteTimeout,
		logger:       util.GetLogger().With("component", "relay", "relay", id, "stream", target.StreamID),
	}
	r.logger.Info("Relay connected", "url", wsURL)
	return r, nil
}

// relayURL maps http(s) stream URLs onto ws(s).
func relayURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (r *Relay) Name() string { return "relay:" + r.id }

// Target returns the stream the relay is connected to.
func (r *Relay) Target() RelayTarget { return r.target }

// OnClose registers fn to run once the relay connection is closed, e.g. to
// end the stream session.
func (r *Relay) OnClose(fn func()) { r.onClose = fn }

// EncodeRelayFrame builds the binary message for f.
func EncodeRelayFrame(f *core.MediaFrame) []byte {
	buf := make([]byte, RelayHeaderSize+len(f.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Seq))
	binary.BigEndian.PutUint32(buf[4:8], f.TimestampMs)
	binary.BigEndian.PutUint32(buf[8:12], f.DurationMs)
	var flags byte
	if f.Keyframe {
		flags |= RelayFlagKeyframe
	}
	if f.EndOfStream {
		flags |= RelayFlagEndOfStream
	}
	buf[12] = flags
	copy(buf[RelayHeaderSize:], f.Data)
	return buf
}

// WriteFrame sends f. Cancelling ctx aborts a write stuck on the network.
func (r *Relay) WriteFrame(ctx context.Context, f *core.MediaFrame) error {
	deadline := time.Now().Add(r.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		r.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := r.conn.WriteMessage(websocket.BinaryMessage, EncodeRelayFrame(f)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("relay write frame %d: %w", f.Seq, err)
	}
	r.frames++
	return nil
}

// Close sends a close message and drops the connection.
func (r *Relay) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream stopped")
	r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	r.logger.Info("Relay closed", "frames", r.frames)
	err := r.conn.Close()
	if r.onClose != nil {
		r.onClose()
		r.onClose = nil
	}
	return err
}
