package profile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ConfigProfile is the lens configuration written to the config characteristic.
// JSON tags are the device wire names; TOML tags are used in profile files.
type ConfigProfile struct {
	Video        VideoSettings        `json:"video" toml:"video"`
	Recording    RecordingSettings    `json:"recording" toml:"recording"`
	Streaming    StreamingSettings    `json:"streaming" toml:"streaming"`
	Camera       CameraSettings       `json:"camera" toml:"camera"`
	Power        PowerSettings        `json:"power" toml:"power"`
	Privacy      PrivacySettings      `json:"privacy" toml:"privacy"`
	Connectivity ConnectivitySettings `json:"connectivity" toml:"connectivity"`
}

type VideoSettings struct {
	Resolution       string `json:"resolution" toml:"resolution"`
	Bitrate          int    `json:"bitrate" toml:"bitrate"`
	Codec            string `json:"codec" toml:"codec"`
	Profile          string `json:"profile" toml:"profile"`
	Framerate        int    `json:"framerate" toml:"framerate"`
	KeyframeInterval int    `json:"keyframeInterval" toml:"keyframe_interval"` // seconds
}

type RecordingSettings struct {
	AutoStart   bool   `json:"autoStart" toml:"auto_start"`
	MaxDuration int    `json:"maxDuration" toml:"max_duration"` // seconds, 0 = unlimited
	Format      string `json:"format" toml:"format"`
}

type StreamingSettings struct {
	Platform        string `json:"platform" toml:"platform"`
	StreamKey       string `json:"streamKey" toml:"stream_key"`
	RTMPURL         string `json:"rtmpUrl" toml:"rtmp_url"`
	AdaptiveBitrate bool   `json:"adaptiveBitrate" toml:"adaptive_bitrate"`
	LowLatencyMode  bool   `json:"lowLatencyMode" toml:"low_latency_mode"`
}

type CameraSettings struct {
	ExposureMode         string `json:"exposureMode" toml:"exposure_mode"`
	ExposureCompensation int    `json:"exposureCompensation" toml:"exposure_compensation"`
	HDREnabled           bool   `json:"hdrEnabled" toml:"hdr_enabled"`
	ImageStabilization   bool   `json:"imageStabilization" toml:"image_stabilization"`
}

type PowerSettings struct {
	StandbyTimeout   int  `json:"standbyTimeout" toml:"standby_timeout"` // seconds
	LowPowerMode     bool `json:"lowPowerMode" toml:"low_power_mode"`
	BatteryThreshold int  `json:"batteryThreshold" toml:"battery_threshold"` // percent
}

type PrivacySettings struct {
	RecordingIndicator string `json:"recordingIndicator" toml:"recording_indicator"`
	BeepOnRecording    bool   `json:"beepOnRecording" toml:"beep_on_recording"`
	Geotagging         bool   `json:"geotagging" toml:"geotagging"`
	AutoBlurFaces      bool   `json:"autoBlurFaces" toml:"auto_blur_faces"`
}

type ConnectivitySettings struct {
	PreferredDevice   string `json:"preferredDevice" toml:"preferred_device"`
	ReconnectAttempts int    `json:"reconnectAttempts" toml:"reconnect_attempts"`
	PairingTimeout    int    `json:"pairingTimeout" toml:"pairing_timeout"` // seconds
}

// Default returns the factory profile of the lens.
func Default() ConfigProfile {
	return ConfigProfile{
		Video: VideoSettings{
			Resolution:       "1080p",
			Bitrate:          2500000,
			Codec:            "h264",
			Profile:          "high",
			Framerate:        30,
			KeyframeInterval: 2,
		},
		Recording: RecordingSettings{
			MaxDuration: 3600,
			Format:      "mp4",
		},
		Streaming: StreamingSettings{
			Platform:        "custom",
			AdaptiveBitrate: true,
			LowLatencyMode:  true,
		},
		Camera: CameraSettings{
			ExposureMode:       "auto",
			HDREnabled:         true,
			ImageStabilization: true,
		},
		Power: PowerSettings{
			StandbyTimeout:   300,
			BatteryThreshold: 15,
		},
		Privacy: PrivacySettings{
			RecordingIndicator: IndicatorVisible,
			BeepOnRecording:    true,
		},
		Connectivity: ConnectivitySettings{
			ReconnectAttempts: 5,
			PairingTimeout:    60,
		},
	}
}

// Encode validates p and returns the JSON document sent to the lens.
// An invalid profile is never encoded.
func Encode(p ConfigProfile) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize profile: %w", err)
	}
	return data, nil
}

// ParseTOML reads a single profile from TOML. Fields absent from the file keep
// their Default values.
func ParseTOML(data []byte) (ConfigProfile, error) {
	p := Default()
	if err := toml.Unmarshal(data, &p); err != nil {
		return ConfigProfile{}, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return ConfigProfile{}, err
	}
	return p, nil
}

// LoadFile reads and validates a single-profile TOML file.
func LoadFile(path string) (ConfigProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConfigProfile{}, fmt.Errorf("failed to read profile file: %w", err)
	}
	return ParseTOML(data)
}
