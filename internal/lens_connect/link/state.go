package link

import "fmt"

// State is the connection state of one lens.
type State int

const (
	Disconnected State = iota
	Scanning
	Connecting
	Discovering
	Ready
	Recording
	Streaming
	RecordingAndStreaming
	Suspended
)

var stateNames = map[State]string{
	Disconnected:          "disconnected",
	Scanning:              "scanning",
	Connecting:            "connecting",
	Discovering:           "discovering",
	Ready:                 "ready",
	Recording:             "recording",
	Streaming:             "streaming",
	RecordingAndStreaming: "recording_and_streaming",
	Suspended:             "suspended",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", b)
}

// Linked reports whether a characteristic link is established.
func (s State) Linked() bool {
	switch s {
	case Ready, Recording, Streaming, RecordingAndStreaming, Suspended:
		return true
	}
	return false
}

// AcceptsCommands reports whether commands may be sent in s. Suspended
// accepts only non-media commands; the manager checks that separately.
func (s State) AcceptsCommands() bool { return s.Linked() }

// MediaActive reports whether at least one sink is running.
func (s State) MediaActive() bool {
	return s == Recording || s == Streaming || s == RecordingAndStreaming
}

// OnLinkLost is the state entered when the link drops while in s. It is
// defined for every state.
func (s State) OnLinkLost(willReconnect bool) State {
	switch s {
	case Disconnected:
		return Disconnected
	case Scanning:
		return Scanning
	}
	if willReconnect {
		return Connecting
	}
	return Disconnected
}

// mediaState is the linked state for the given sink activity.
func mediaState(recording, streaming bool) State {
	switch {
	case recording && streaming:
		return RecordingAndStreaming
	case recording:
		return Recording
	case streaming:
		return Streaming
	}
	return Ready
}
