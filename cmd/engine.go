package cmd

import (
	"github.com/pkg/errors"

	"github.com/heartneyes/lenslink/config"
	"github.com/heartneyes/lenslink/internal/cloud"
	"github.com/heartneyes/lenslink/internal/lens_connect/link"
	"github.com/heartneyes/lenslink/internal/lens_connect/pipeline"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
	"github.com/heartneyes/lenslink/internal/profile"
	"github.com/heartneyes/lenslink/internal/server"
	"github.com/heartneyes/lenslink/internal/util"
)

// linkOptions builds link settings from the configuration.
func linkOptions() (link.Options, error) {
	opts := link.DefaultOptions()
	opts.ConnectTimeout = config.GetConnectTimeout()
	opts.CommandTimeout = config.GetCommandTimeout()
	opts.ReconnectAttempts = config.GetReconnectAttempts()
	if opts.ReconnectAttempts == 0 {
		// 0 in the config file means never reconnect
		opts.ReconnectAttempts = -1
	}
	opts.BackoffBase = config.GetBackoffBase()
	opts.BackoffCap = config.GetBackoffCap()
	opts.BackoffJitter = config.GetBackoffJitter()
	opts.MaxFrameBytes = config.GetMaxFrameBytes()
	opts.Thresholds = config.GetThresholds()

	var err error
	opts.Recording.Depth = config.GetRecordingQueue()
	if opts.Recording.Policy, err = pipeline.ParsePolicy(config.GetRecordingPolicy()); err != nil {
		return opts, errors.Wrap(err, "invalid media.recording_policy")
	}
	opts.Streaming.Depth = config.GetStreamingQueue()
	if opts.Streaming.Policy, err = pipeline.ParsePolicy(config.GetStreamingPolicy()); err != nil {
		return opts, errors.Wrap(err, "invalid media.streaming_policy")
	}
	return opts, nil
}

func newRadio() *radio.TCPRadio {
	r := radio.NewTCPRadio(config.GetRadioAddresses()...)
	r.DialTimeout = config.GetDialTimeout()
	return r
}

func scanFilter() radio.ScanFilter {
	return radio.ScanFilter{
		NamePattern: config.GetNamePattern(),
		ServiceUUID: config.GetServiceUUID(),
	}
}

// currentProfile returns the active lens profile, or nil when none is selected.
func currentProfile() (*profile.ConfigProfile, error) {
	pm := profile.NewProfileManager()
	if err := pm.Load(); err != nil {
		return nil, err
	}
	if pm.GetCurrentProfileID() == "" {
		return nil, nil
	}
	p, err := pm.GetCurrent()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// newDeviceKeeper wires a keeper from the configuration. Streaming is only
// available when a stream service endpoint is configured.
func newDeviceKeeper() (*server.DeviceKeeper, error) {
	opts, err := linkOptions()
	if err != nil {
		return nil, err
	}
	p, err := currentProfile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load lens profile")
	}

	streams, err := cloud.NewStreamAPI(config.GetCloudEndpoint(), config.GetCloudToken())
	if err != nil {
		util.GetLogger().Debug("Streaming disabled", "reason", err)
		streams = nil
	}

	return server.NewDeviceKeeper(server.KeeperOptions{
		Radio:         newRadio(),
		Link:          opts,
		RecordingsDir: config.GetRecordingsDir(),
		Streams:       streams,
		UserID:        config.GetCloudUserID(),
		Profile:       p,
	}), nil
}
