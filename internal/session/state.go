package session

import (
	"encoding/json"
	"time"
)

// State is a controller lifecycle state.
type State int

const (
	Standby State = iota
	Acquiring
	LiveIdle
	LiveSpeaking
	Ending
)

var stateNames = map[State]string{
	Standby:      "standby",
	Acquiring:    "acquiring",
	LiveIdle:     "live_idle",
	LiveSpeaking: "live_speaking",
	Ending:       "ending",
}

var stateFromName = map[string]State{
	"standby":       Standby,
	"acquiring":     Acquiring,
	"live_idle":     LiveIdle,
	"live_speaking": LiveSpeaking,
	"ending":        Ending,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// IsLive reports whether a session is established.
func (s State) IsLive() bool {
	return s == LiveIdle || s == LiveSpeaking
}

// HoldsSession reports whether a session is pending, live or ending.
func (s State) HoldsSession() bool {
	return s != Standby
}

// Status is the user-visible status tuple.
type Status struct {
	Connected bool `json:"connected"`
	Listening bool `json:"listening"`
	Speaking  bool `json:"speaking"`
	Loading   bool `json:"loading"`
}

// Consistent reports whether speaking implies listening and listening
// implies connected.
func (s Status) Consistent() bool {
	if s.Speaking && !s.Listening {
		return false
	}
	if s.Listening && !s.Connected {
		return false
	}
	return true
}

// Snapshot is an immutable view of the controller handed to observers.
type Snapshot struct {
	State     State      `json:"state"`
	Status    Status     `json:"status"`
	SessionID string     `json:"sessionId,omitempty"`
	Log       []LogEntry `json:"log"`
	Taken     time.Time  `json:"taken"`
}
