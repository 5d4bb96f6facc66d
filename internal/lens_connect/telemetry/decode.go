package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformed marks a status message that cannot produce a snapshot.
var ErrMalformed = errors.New("malformed telemetry")

// Error carries the field that made a message unusable.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrMalformed, e.Reason)
	}
	return fmt.Sprintf("%v: field %q %s", ErrMalformed, e.Field, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrMalformed }

// Field names on the wire
const (
	FieldDeviceID             = "deviceId"
	FieldFirmwareVersion      = "firmwareVersion"
	FieldBatteryLevel         = "batteryLevel"
	FieldBatteryTimeRemaining = "batteryTimeRemaining"
	FieldTemperature          = "temperature"
	FieldIsRecording          = "isRecording"
	FieldIsStreaming          = "isStreaming"
	FieldRecordingDuration    = "recordingDuration"
	FieldStreamingDuration    = "streamingDuration"
	FieldExposure             = "exposure"
	FieldHDREnabled           = "hdrEnabled"
	FieldFramerate            = "framerate"
	FieldImageStabilization   = "imageStabilizationEnabled"
	FieldMotionDetection      = "motionDetectionEnabled"
	FieldStorageAvailable     = "storageAvailable"
	FieldStorageUsed          = "storageUsed"
	FieldStreamBitrate        = "streamBitrate"
	FieldPacketLoss           = "packetLoss"
	FieldLatency              = "latency"
)

// Plausible ranges. Values outside are kept and flagged.
const (
	MinBattery     = 0
	MaxBattery     = 100
	MinTemperature = -20.0
	MaxTemperature = 85.0
)

// Decoder turns status notifications into snapshots.
type Decoder struct {
	now func() time.Time
}

// NewDecoder returns a decoder stamping snapshots with the wall clock.
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// Decode parses msg. Unknown fields are ignored. A missing or mistyped
// required field, or a mistyped optional one, fails the whole message.
func Decode(msg []byte) (Snapshot, error) {
	return NewDecoder().Decode(msg)
}

func (d *Decoder) Decode(msg []byte) (Snapshot, error) {
	if !gjson.ValidBytes(msg) {
		return Snapshot{}, &Error{Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(msg)
	if !root.IsObject() {
		return Snapshot{}, &Error{Reason: "not an object"}
	}

	r := reader{root: root}
	s := Snapshot{ReceivedAt: d.now()}

	battery := r.number(FieldBatteryLevel, true)
	s.TemperatureC = r.number(FieldTemperature, true)
	s.IsRecording = r.boolean(FieldIsRecording, true)
	s.IsStreaming = r.boolean(FieldIsStreaming, true)

	s.DeviceID = r.str(FieldDeviceID)
	s.FirmwareVersion = r.str(FieldFirmwareVersion)
	s.BatteryTimeRemaining = int(r.number(FieldBatteryTimeRemaining, false))
	s.RecordingDurationSec = int(r.number(FieldRecordingDuration, false))
	s.StreamingDurationSec = int(r.number(FieldStreamingDuration, false))
	s.Exposure = r.number(FieldExposure, false)
	s.HDREnabled = r.boolean(FieldHDREnabled, false)
	s.Framerate = int(r.number(FieldFramerate, false))
	s.ImageStabilizationEnabled = r.boolean(FieldImageStabilization, false)
	s.MotionDetectionEnabled = r.boolean(FieldMotionDetection, false)
	s.StorageAvailableMB = r.number(FieldStorageAvailable, false)
	s.StorageUsedMB = r.number(FieldStorageUsed, false)
	s.StreamBitrateBps = int64(r.number(FieldStreamBitrate, false))
	s.PacketLossPct = r.number(FieldPacketLoss, false)
	s.LatencyMs = r.number(FieldLatency, false)

	if r.err != nil {
		return Snapshot{}, r.err
	}

	s.BatteryPercent = int(battery)
	if battery < MinBattery || battery > MaxBattery {
		s.SuspectFields = append(s.SuspectFields, FieldBatteryLevel)
	}
	if s.TemperatureC < MinTemperature || s.TemperatureC > MaxTemperature {
		s.SuspectFields = append(s.SuspectFields, FieldTemperature)
	}
	s.Suspect = len(s.SuspectFields) > 0
	return s, nil
}

// reader records the first field error and turns later reads into no-ops.
type reader struct {
	root gjson.Result
	err  error
}

func (r *reader) get(field string, required bool) (gjson.Result, bool) {
	if r.err != nil {
		return gjson.Result{}, false
	}
	v := r.root.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		if required {
			r.err = &Error{Field: field, Reason: "is missing"}
		}
		return gjson.Result{}, false
	}
	return v, true
}

func (r *reader) number(field string, required bool) float64 {
	v, ok := r.get(field, required)
	if !ok {
		return 0
	}
	if v.Type != gjson.Number {
		r.err = &Error{Field: field, Reason: "is not a number"}
		return 0
	}
	return v.Float()
}

func (r *reader) boolean(field string, required bool) bool {
	v, ok := r.get(field, required)
	if !ok {
		return false
	}
	if !v.IsBool() {
		r.err = &Error{Field: field, Reason: "is not a boolean"}
		return false
	}
	return v.Bool()
}

func (r *reader) str(field string) string {
	v, ok := r.get(field, false)
	if !ok {
		return ""
	}
	if v.Type != gjson.String {
		r.err = &Error{Field: field, Reason: "is not a string"}
		return ""
	}
	return v.String()
}
