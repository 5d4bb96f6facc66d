package sink

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
)

func testFrame(seq uint64, ts uint32, key bool) *core.MediaFrame {
	return &core.MediaFrame{Seq: seq, TimestampMs: ts, DurationMs: 33, Keyframe: key, Data: []byte{0, 0, 0, 1, byte(seq)}}
}

func TestWebMRecorder(t *testing.T) {
	dir := t.TempDir()
	r, err := NewWebMRecorder(RecorderOptions{Dir: dir, Codec: "h265", Resolution: "720p", Framerate: 30})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.Path(), dir))
	assert.True(t, strings.HasSuffix(r.Path(), ".webm"))

	ctx := context.Background()
	require.NoError(t, r.WriteFrame(ctx, testFrame(1, 5000, true)))
	require.NoError(t, r.WriteFrame(ctx, testFrame(2, 5033, false)))
	require.NoError(t, r.WriteFrame(ctx, testFrame(3, 5066, true)))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	require.Eventually(t, func() bool {
		f, err := os.Open(r.Path())
		if err != nil {
			return false
		}
		defer f.Close()
		doc.Segment = webm.Segment{}
		if err := ebml.Unmarshal(f, &doc); err != nil {
			return false
		}
		blocks := 0
		for _, c := range doc.Segment.Cluster {
			blocks += len(c.SimpleBlock)
		}
		return blocks == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, doc.Segment.Tracks.TrackEntry, 1)
	assert.Equal(t, "V_MPEGH/ISO/HEVC", doc.Segment.Tracks.TrackEntry[0].CodecID)
	assert.Equal(t, "webm", doc.Header.DocType)
}

func TestWebMRecorderRejectsCodec(t *testing.T) {
	_, err := NewWebMRecorder(RecorderOptions{Dir: t.TempDir(), Codec: "vp9"})
	assert.Error(t, err)
}

func TestWebMRecorderHonorsCancel(t *testing.T) {
	r, err := NewWebMRecorder(RecorderOptions{Dir: t.TempDir(), Codec: "h264"})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.WriteFrame(ctx, testFrame(1, 0, true)), context.Canceled)
}

func TestRelayURL(t *testing.T) {
	u, err := relayURL("https://relay.example.com/live/abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/live/abc", u)

	u, err = relayURL("ws://127.0.0.1:9000/x")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/x", u)

	_, err = relayURL("rtmp://stream.example/live")
	assert.Error(t, err)
}

func TestEncodeRelayFrame(t *testing.T) {
	f := &core.MediaFrame{Seq: 7, TimestampMs: 1000, DurationMs: 66, Keyframe: true, EndOfStream: true, Data: []byte("xy")}
	b := EncodeRelayFrame(f)
	require.Len(t, b, RelayHeaderSize+2)
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(1000), binary.BigEndian.Uint32(b[4:8]))
	assert.Equal(t, uint32(66), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, RelayFlagKeyframe|RelayFlagEndOfStream, b[12])
	assert.Equal(t, []byte("xy"), b[13:])
}

func TestRelay(t *testing.T) {
	received := make(chan []byte, 4)
	auth := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(received)
				return
			}
			received <- msg
		}
	}))
	defer srv.Close()

	ended := false
	relay, err := DialRelay(context.Background(), RelayTarget{StreamID: "s1", StreamURL: srv.URL + "/live", StreamKey: "sk_test"})
	require.NoError(t, err)
	relay.OnClose(func() { ended = true })
	assert.Equal(t, "Bearer sk_test", <-auth)

	require.NoError(t, relay.WriteFrame(context.Background(), testFrame(1, 0, true)))
	require.NoError(t, relay.WriteFrame(context.Background(), testFrame(2, 33, false)))

	msg := <-received
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(msg[0:4]))
	assert.Equal(t, RelayFlagKeyframe, msg[12])
	msg = <-received
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(msg[0:4]))
	assert.Equal(t, byte(0), msg[12])

	require.NoError(t, relay.Close())
	assert.True(t, ended)
	_, open := <-received
	assert.False(t, open)
}
