// Package realtime defines the real-time session client the controller drives
// and a WebSocket signalling implementation of it. Media transport is not
// handled here; only room membership, track and microphone signalling.
package realtime

import (
	"context"
	"errors"
)

// EventKind identifies a raw event raised by a real-time client.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventTrackSubscribed   EventKind = "track_subscribed"
	EventTrackUnsubscribed EventKind = "track_unsubscribed"
	EventTrackPublished    EventKind = "track_published"
	EventError             EventKind = "error"
)

// Track kinds.
const (
	TrackKindAudio = "audio"
	TrackKindVideo = "video"
)

// SourceMicrophone is the track source of the local microphone.
const SourceMicrophone = "microphone"

var (
	ErrNotConnected       = errors.New("realtime: not connected")
	ErrAlreadyConnected   = errors.New("realtime: already connected")
	ErrMicrophoneRejected = errors.New("realtime: microphone publish rejected")
)

// TrackInfo describes a media track announced by the server.
type TrackInfo struct {
	SID         string `json:"sid,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Source      string `json:"source,omitempty"`
	Participant string `json:"participant,omitempty"`
}

// Event is a raw event from the transport, in the order it was raised.
type Event struct {
	Kind    EventKind
	Reason  string     // disconnected only
	Message string     // error only
	Track   *TrackInfo // track events only
}

// RoomOptions are forwarded verbatim to the server on join.
type RoomOptions struct {
	AdaptiveStream bool `json:"adaptiveStream"`
	Dynacast       bool `json:"dynacast"`
}

// Client is one real-time room connection. A Client is single-use: after
// Disconnect a new one must be created for the next session.
type Client interface {
	// Connect dials serverURL with credential and returns once the session
	// handshake completes.
	Connect(ctx context.Context, serverURL, credential string) error
	// Disconnect leaves the room and releases the connection.
	Disconnect(ctx context.Context) error
	// EnableMicrophone publishes the local microphone track.
	EnableMicrophone(ctx context.Context) error
	// Events streams raw events. The channel is closed when the connection
	// is gone.
	Events() <-chan Event
}
