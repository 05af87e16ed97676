package realtime

import "encoding/json"

// MessageType identifies a signalling frame.
type MessageType string

// Client to server.
const (
	MsgJoin         MessageType = "join"
	MsgPublishTrack MessageType = "publish_track"
	MsgLeave        MessageType = "leave"
)

// Server to client.
const (
	MsgConnected         MessageType = "connected"
	MsgDisconnected      MessageType = "disconnected"
	MsgTrackSubscribed   MessageType = "track_subscribed"
	MsgTrackUnsubscribed MessageType = "track_unsubscribed"
	MsgTrackPublished    MessageType = "track_published"
	MsgError             MessageType = "error"
)

// Frame is the envelope for all signalling messages.
type Frame struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is sent once after dialing.
type JoinPayload struct {
	Options RoomOptions `json:"options"`
}

// TrackPayload carries a track for publish and subscription frames.
type TrackPayload struct {
	Track TrackInfo `json:"track"`
}

// DisconnectedPayload is sent by the server before it drops the session.
type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewFrame marshals payload into a frame of type t. A nil payload yields a
// frame with no payload.
func NewFrame(t MessageType, payload any) (Frame, error) {
	f := Frame{Type: t}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = data
	return f, nil
}
