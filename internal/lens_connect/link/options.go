package link

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"github.com/heartneyes/lenslink/internal/lens_connect/interlock"
	"github.com/heartneyes/lenslink/internal/lens_connect/pipeline"
	"github.com/heartneyes/lenslink/internal/lens_connect/reassembly"
)

// Options configures a Manager. Zero fields take the defaults below.
type Options struct {
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	ReconnectAttempts int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffJitter     float64
	MaxFrameBytes     int

	Thresholds interlock.Thresholds
	Recording  pipeline.SinkOptions
	Streaming  pipeline.SinkOptions

	Clock clock.WithDelayedExecution
}

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultCommandTimeout    = 3 * time.Second
	DefaultReconnectAttempts = 5
	DefaultBackoffBase       = time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultBackoffJitter     = 0.2
)

// DefaultOptions returns the stock link settings.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    DefaultConnectTimeout,
		CommandTimeout:    DefaultCommandTimeout,
		ReconnectAttempts: DefaultReconnectAttempts,
		BackoffBase:       DefaultBackoffBase,
		BackoffCap:        DefaultBackoffCap,
		BackoffJitter:     DefaultBackoffJitter,
		MaxFrameBytes:     reassembly.DefaultMaxFrameBytes,
		Thresholds:        interlock.DefaultThresholds(),
		Recording:         pipeline.DefaultRecordingOptions(),
		Streaming:         pipeline.DefaultStreamingOptions(),
		Clock:             clock.RealClock{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	// a negative bound disables reconnection
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = d.ReconnectAttempts
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = d.BackoffCap
	}
	if o.BackoffJitter < 0 || o.BackoffJitter >= 1 {
		o.BackoffJitter = d.BackoffJitter
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	if o.Thresholds == (interlock.Thresholds{}) {
		o.Thresholds = d.Thresholds
	}
	if o.Recording.Depth <= 0 {
		o.Recording = d.Recording
	}
	if o.Streaming.Depth <= 0 {
		o.Streaming = d.Streaming
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// newBackoff builds the reconnect schedule: the Nth delay is
// min(base*2^(N-1), cap) scaled by a random factor in [1-jitter, 1+jitter].
func (o Options) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.BackoffBase,
		RandomizationFactor: o.BackoffJitter,
		Multiplier:          2,
		MaxInterval:         o.BackoffCap,
	}
	b.Reset()
	return b
}
