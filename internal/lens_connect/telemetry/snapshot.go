package telemetry

import "time"

// Snapshot is one decoded status message. It is a value; nothing mutates it
// after Decode returns.
type Snapshot struct {
	DeviceID        string `json:"deviceId,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`

	BatteryPercent       int     `json:"batteryLevel"`
	BatteryTimeRemaining int     `json:"batteryTimeRemaining,omitempty"` // minutes
	TemperatureC         float64 `json:"temperature"`

	IsRecording          bool `json:"isRecording"`
	IsStreaming          bool `json:"isStreaming"`
	RecordingDurationSec int  `json:"recordingDuration"`
	StreamingDurationSec int  `json:"streamingDuration"`

	Exposure                  float64 `json:"exposure"`
	HDREnabled                bool    `json:"hdrEnabled"`
	Framerate                 int     `json:"framerate"`
	ImageStabilizationEnabled bool    `json:"imageStabilizationEnabled"`
	MotionDetectionEnabled    bool    `json:"motionDetectionEnabled"`

	StorageUsedMB      float64 `json:"storageUsed"`
	StorageAvailableMB float64 `json:"storageAvailable"`
	StreamBitrateBps   int64   `json:"streamBitrate"`
	PacketLossPct      float64 `json:"packetLoss"`
	LatencyMs          float64 `json:"latency"`

	// Suspect is set when a value was accepted but lies outside its plausible range.
	Suspect       bool     `json:"suspect"`
	SuspectFields []string `json:"suspectFields,omitempty"`

	ReceivedAt time.Time `json:"receivedAt"`
}

// IsSuspect reports whether field was flagged out of range.
func (s Snapshot) IsSuspect(field string) bool {
	for _, f := range s.SuspectFields {
		if f == field {
			return true
		}
	}
	return false
}
