package profile

import (
	"errors"
	"fmt"
	"regexp"
)

// Config error kinds
var (
	ErrPolicyViolation = errors.New("policy violation")
	ErrInvalidValue    = errors.New("invalid value")
	ErrUnknownField    = errors.New("unknown field")
)

// Error names the offending setting.
type Error struct {
	Field string
	Value interface{}
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s = %v", e.Err, e.Field, e.Value)
}

func (e *Error) Unwrap() error { return e.Err }

// Recording indicator values
const (
	IndicatorVisible = "visible"
	IndicatorHidden  = "hidden"
)

// Hardware bitrate limits in bps
const (
	MinBitrate = 500000
	MaxBitrate = 5000000
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

func invalid(field string, v interface{}) error {
	return &Error{Field: field, Value: v, Err: ErrInvalidValue}
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return invalid(field, v)
}

func inRange(field string, v, min, max int) error {
	if v < min || v > max {
		return invalid(field, v)
	}
	return nil
}

// CheckPrivacy enforces the fixed privacy settings. It does not depend on what
// the firmware accepts.
func (p ConfigProfile) CheckPrivacy() error {
	if p.Privacy.RecordingIndicator != IndicatorVisible {
		return &Error{Field: "privacy.recordingIndicator", Value: p.Privacy.RecordingIndicator, Err: ErrPolicyViolation}
	}
	if !p.Privacy.BeepOnRecording {
		return &Error{Field: "privacy.beepOnRecording", Value: false, Err: ErrPolicyViolation}
	}
	return nil
}

// Validate checks every setting against its legal value set. Privacy is
// checked first so a hidden indicator is always reported as a policy violation.
func (p ConfigProfile) Validate() error {
	if err := p.CheckPrivacy(); err != nil {
		return err
	}

	checks := []error{
		oneOf("video.resolution", p.Video.Resolution, "720p", "1080p", "1440p"),
		inRange("video.bitrate", p.Video.Bitrate, MinBitrate, MaxBitrate),
		oneOf("video.codec", p.Video.Codec, "h264", "h265"),
		oneOf("video.profile", p.Video.Profile, "baseline", "main", "high"),
		validFramerate(p.Video.Framerate),
		inRange("video.keyframeInterval", p.Video.KeyframeInterval, 1, 10),

		inRange("recording.maxDuration", p.Recording.MaxDuration, 0, 1<<31-1),
		oneOf("recording.format", p.Recording.Format, "mp4", "mov"),

		oneOf("streaming.platform", p.Streaming.Platform, "youtube", "twitch", "custom"),

		oneOf("camera.exposureMode", p.Camera.ExposureMode, "auto", "manual"),
		inRange("camera.exposureCompensation", p.Camera.ExposureCompensation, -4, 4),

		inRange("power.standbyTimeout", p.Power.StandbyTimeout, 0, 1<<31-1),
		inRange("power.batteryThreshold", p.Power.BatteryThreshold, 1, 50),

		inRange("connectivity.reconnectAttempts", p.Connectivity.ReconnectAttempts, 0, 10),
		inRange("connectivity.pairingTimeout", p.Connectivity.PairingTimeout, 1, 1<<31-1),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if mac := p.Connectivity.PreferredDevice; mac != "" && !macPattern.MatchString(mac) {
		return invalid("connectivity.preferredDevice", mac)
	}
	return nil
}

func validFramerate(fps int) error {
	switch fps {
	case 24, 30, 60:
		return nil
	}
	return invalid("video.framerate", fps)
}
