package link

import (
	"time"

	"github.com/heartneyes/lenslink/internal/lens_connect/interlock"
	"github.com/heartneyes/lenslink/internal/lens_connect/telemetry"
)

// EventType names a link event.
type EventType string

const (
	EventState          EventType = "state"
	EventTelemetry      EventType = "telemetry"
	EventTelemetryError EventType = "telemetry_error"
	EventInterlock      EventType = "interlock"
	EventGap            EventType = "gap"
	EventEndOfStream    EventType = "end_of_stream"
	EventReconnecting   EventType = "reconnecting"
	EventUnreachable    EventType = "unreachable"
	EventSinkError      EventType = "sink_error"
	EventCommand        EventType = "command"
)

// Event is published to subscribers. Every event carries the state at the
// time it was produced.
type Event struct {
	Type      EventType           `json:"type"`
	Time      time.Time           `json:"time"`
	Address   string              `json:"address,omitempty"`
	State     State               `json:"state"`
	Telemetry *telemetry.Snapshot `json:"telemetry,omitempty"`
	Interlock *interlock.Decision `json:"interlock,omitempty"`
	Missing   uint32              `json:"missing,omitempty"`
	Attempt   int                 `json:"attempt,omitempty"`
	DelayMs   int64               `json:"delayMs,omitempty"`
	Sink      string              `json:"sink,omitempty"`
	Command   string              `json:"command,omitempty"`
	Error     string              `json:"error,omitempty"`
}
