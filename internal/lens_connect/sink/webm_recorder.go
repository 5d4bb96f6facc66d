package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/google/uuid"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
	"github.com/heartneyes/lenslink/internal/util"
)

// WebM codec ids by lens codec name
var webmCodecs = map[string]string{
	"h264": "V_MPEG4/ISO/AVC",
	"h265": "V_MPEGH/ISO/HEVC",
}

var resolutions = map[string][2]uint64{
	"720p":  {1280, 720},
	"1080p": {1920, 1080},
	"1440p": {2560, 1440},
}

// RecorderOptions describe the recorded track.
type RecorderOptions struct {
	Dir        string
	Codec      string // h264 or h265
	Resolution string // 720p, 1080p or 1440p
	Framerate  int
}

// WebMRecorder is the recording sink. It writes one video track to
// <dir>/<uuid>.webm with block timestamps in milliseconds from the first frame.
type WebMRecorder struct {
	id     string
	path   string
	video  webm.BlockWriteCloser
	logger *slog.Logger

	started bool
	base    uint32
	frames  int

	mu    sync.Mutex
	fatal error
}

// NewWebMRecorder creates the output file and writes the container header.
func NewWebMRecorder(opts RecorderOptions) (*WebMRecorder, error) {
	codecID, ok := webmCodecs[opts.Codec]
	if !ok {
		return nil, fmt.Errorf("unsupported recording codec %q", opts.Codec)
	}
	size, ok := resolutions[opts.Resolution]
	if !ok {
		size = resolutions["1080p"]
	}
	fps := opts.Framerate
	if fps <= 0 {
		fps = 30
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(opts.Dir, id+".webm")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	r := &WebMRecorder{
		id:     id,
		path:   path,
		logger: util.GetLogger().With("component", "webm_recorder", "recording", id),
	}
	if err := r.init(f, codecID, size, fps); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return r, nil
}

func (r *WebMRecorder) init(w io.WriteCloser, codecID string, size [2]uint64, fps int) error {
	writers, err := webm.NewSimpleBlockWriter(w, []webm.TrackEntry{
		{
			Name:            "Video",
			TrackNumber:     1,
			TrackUID:        1,
			CodecID:         codecID,
			TrackType:       1,
			DefaultDuration: uint64(1e9 / fps),
			Video: &webm.Video{
				PixelWidth:  size[0],
				PixelHeight: size[1],
			},
		},
	}, mkvcore.WithOnFatalHandler(func(err error) {
		r.logger.Warn("WebM writer failed", "error", err)
		r.mu.Lock()
		r.fatal = err
		r.mu.Unlock()
	}))
	if err != nil {
		return fmt.Errorf("failed to create WebM writer: %w", err)
	}
	r.video = writers[0]
	r.logger.Info("Recording started", "path", r.path, "codec", codecID)
	return nil
}

// ID returns the recording id.
func (r *WebMRecorder) ID() string { return r.id }

// Path returns the output file.
func (r *WebMRecorder) Path() string { return r.path }

func (r *WebMRecorder) Name() string { return "webm:" + r.id }

// WriteFrame appends f as one block. Disk writes are not interruptible, so
// ctx is only checked before writing.
func (r *WebMRecorder) WriteFrame(ctx context.Context, f *core.MediaFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	fatal := r.fatal
	r.mu.Unlock()
	if fatal != nil {
		return fmt.Errorf("recording %s: %w", r.id, fatal)
	}
	if r.video == nil {
		return fmt.Errorf("recording %s is closed", r.id)
	}
	if len(f.Data) == 0 {
		return nil
	}

	if !r.started {
		r.base = f.TimestampMs
		r.started = true
	}
	ts := int64(f.TimestampMs) - int64(r.base)
	if ts < 0 {
		ts = 0
	}
	if _, err := r.video.Write(f.Keyframe, ts, f.Data); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", f.Seq, err)
	}
	r.frames++
	return nil
}

// Close finalizes the container and closes the file.
func (r *WebMRecorder) Close() error {
	if r.video == nil {
		return nil
	}
	err := r.video.Close()
	r.video = nil
	r.logger.Info("Recording finished", "path", r.path, "frames", r.frames)
	return err
}
