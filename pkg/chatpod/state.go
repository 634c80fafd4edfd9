package chatpod

import (
	"encoding/json"

	"github.com/murmulab/chatpod/pkg/jsontime"
)

// State is the primary session state. Exactly one goroutine (the session
// loop) writes it; everyone else reads snapshots.
type State int

const (
	StateIdle State = iota
	StateActivating
	StateConnecting
	StateListening
	StateSpeaking
	StateToolWait
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateToolWait:
		return "tool_wait"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "idle":
		*s = StateIdle
	case "activating":
		*s = StateActivating
	case "connecting":
		*s = StateConnecting
	case "listening":
		*s = StateListening
	case "speaking":
		*s = StateSpeaking
	case "tool_wait":
		*s = StateToolWait
	case "error":
		*s = StateError
	default:
		*s = StateIdle
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Active reports whether the state has a live transport attached.
func (s State) Active() bool {
	return s == StateListening || s == StateSpeaking
}

// StateEvent is pushed to subscribers on every state change.
type StateEvent struct {
	Version      int            `json:"v"`
	Time         jsontime.Milli `json:"t"`
	State        State          `json:"s"`
	Display      State          `json:"d"`
	Code         ErrorCode      `json:"code,omitempty"`
	Cause        string         `json:"cause,omitempty"`
	PendingTools int            `json:"pending_tools,omitempty"`
}

// Stats counts per-session activity. The session loop updates it; Snapshot
// returns a copy.
type Stats struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	PacketsDropped uint64 `json:"packets_dropped"`
	GapMillis      uint64 `json:"gap_millis"`
	Reconnects     uint64 `json:"reconnects"`
	ToolCalls      uint64 `json:"tool_calls"`
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State        State  `json:"state"`
	SessionID    string `json:"session_id,omitempty"`
	PendingTools int    `json:"pending_tools"`
	Stats        Stats  `json:"stats"`
}

// Display returns the state to show users. While tool calls are pending in
// an active turn the display state is StateToolWait even though the primary
// state stays StateListening or StateSpeaking.
func (s Snapshot) Display() State {
	if s.PendingTools > 0 && s.State.Active() {
		return StateToolWait
	}
	return s.State
}
