// Package bridge maps raw realtime events onto the four signals the session
// controller consumes. It holds no state.
package bridge

import (
	"context"

	"github.com/voice-panel/panel/internal/realtime"
)

// Signal is an internal session event.
type Signal int

const (
	Established Signal = iota + 1
	Terminated
	RemoteAudioStarted
	RemoteAudioStopped
)

var signalNames = map[Signal]string{
	Established:        "established",
	Terminated:         "terminated",
	RemoteAudioStarted: "remote_audio_started",
	RemoteAudioStopped: "remote_audio_stopped",
}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	return "unknown"
}

var table = map[realtime.EventKind]Signal{
	realtime.EventConnected:         Established,
	realtime.EventDisconnected:      Terminated,
	realtime.EventTrackSubscribed:   RemoteAudioStarted,
	realtime.EventTrackUnsubscribed: RemoteAudioStopped,
}

// Translate maps one raw event. Unknown kinds and non-audio tracks report
// false.
func Translate(ev realtime.Event) (Signal, bool) {
	sig, ok := table[ev.Kind]
	if !ok {
		return 0, false
	}
	if sig == RemoteAudioStarted || sig == RemoteAudioStopped {
		if ev.Track != nil && ev.Track.Kind != "" && ev.Track.Kind != realtime.TrackKindAudio {
			return 0, false
		}
	}
	return sig, true
}

// Forward delivers translated signals in arrival order until ctx is done or
// events is closed. A closed stream is reported as Terminated, since the
// session cannot outlive its transport.
func Forward(ctx context.Context, events <-chan realtime.Event, deliver func(Signal)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				deliver(Terminated)
				return
			}
			if sig, ok := Translate(ev); ok {
				deliver(sig)
			}
		}
	}
}
