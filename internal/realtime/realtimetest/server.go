// Package realtimetest provides an in-process signalling server for tests of
// realtime clients, in the spirit of net/http/httptest.
package realtimetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voice-panel/panel/internal/realtime"
)

type peer struct {
	conn *websocket.Conn
	s    *Server
	send chan []byte
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for msg := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			p.s.removePeer(p)
			return
		}
	}
}

// Server is a scripted signalling server. Fields must be set before the
// first client dials.
type Server struct {
	// Token, when set, is the only credential accepted.
	Token string
	// WithholdConnected delays the connected frame until Establish is called.
	WithholdConnected bool
	// RejectMicrophone answers publish_track with an error frame.
	RejectMicrophone bool

	srv *httptest.Server

	mu    sync.RWMutex
	peers map[*peer]bool
	joins []realtime.RoomOptions
	seq   uint64
	leave int
}

// NewServer starts a server. Close it when done.
func NewServer() *Server {
	s := &Server{peers: make(map[*peer]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/rtc", s.handleWS)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// address clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/rtc"
}

// Close drops all peers and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for p := range s.peers {
		delete(s.peers, p)
		close(p.send)
	}
	s.mu.Unlock()
	s.srv.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{conn: conn, s: s, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.peers[p] = true
	s.mu.Unlock()
	go p.writePump()

	go func() {
		defer s.removePeer(p)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f realtime.Frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			s.handleFrame(p, f)
		}
	}()
}

func (s *Server) handleFrame(p *peer, f realtime.Frame) {
	switch f.Type {
	case realtime.MsgJoin:
		var join realtime.JoinPayload
		json.Unmarshal(f.Payload, &join)
		s.mu.Lock()
		s.joins = append(s.joins, join.Options)
		s.mu.Unlock()
		if !s.WithholdConnected {
			s.sendTo(p, realtime.MsgConnected, nil)
		}
	case realtime.MsgPublishTrack:
		var tp realtime.TrackPayload
		json.Unmarshal(f.Payload, &tp)
		if s.RejectMicrophone {
			s.sendTo(p, realtime.MsgError, realtime.ErrorPayload{Message: "no capture device"})
			return
		}
		tp.Track.SID = "TR_local_mic"
		s.sendTo(p, realtime.MsgTrackPublished, tp)
	case realtime.MsgLeave:
		s.mu.Lock()
		s.leave++
		s.mu.Unlock()
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	if r.URL.Query().Get("access_token") == s.Token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.Token
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	if _, ok := s.peers[p]; ok {
		delete(s.peers, p)
		close(p.send)
	}
	s.mu.Unlock()
}

func (s *Server) encode(t realtime.MessageType, payload any) []byte {
	f, err := realtime.NewFrame(t, payload)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	s.seq++
	f.Seq = s.seq
	s.mu.Unlock()
	data, _ := json.Marshal(f)
	return data
}

func (s *Server) sendTo(p *peer, t realtime.MessageType, payload any) {
	data := s.encode(t, payload)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.peers[p] {
		return
	}
	select {
	case p.send <- data:
	default:
	}
}

// Broadcast sends a frame to every connected peer.
func (s *Server) Broadcast(t realtime.MessageType, payload any) {
	data := s.encode(t, payload)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.peers {
		select {
		case p.send <- data:
		default:
		}
	}
}

// Establish sends the connected frame to all peers.
func (s *Server) Establish() {
	s.Broadcast(realtime.MsgConnected, nil)
}

// SubscribeAgentAudio announces the remote agent's audio track.
func (s *Server) SubscribeAgentAudio() {
	s.Broadcast(realtime.MsgTrackSubscribed, realtime.TrackPayload{Track: agentAudio})
}

// UnsubscribeAgentAudio withdraws the remote agent's audio track.
func (s *Server) UnsubscribeAgentAudio() {
	s.Broadcast(realtime.MsgTrackUnsubscribed, realtime.TrackPayload{Track: agentAudio})
}

// Terminate tells every peer the session is over and drops them.
func (s *Server) Terminate(reason string) {
	s.Broadcast(realtime.MsgDisconnected, realtime.DisconnectedPayload{Reason: reason})
	s.mu.Lock()
	for p := range s.peers {
		delete(s.peers, p)
		close(p.send)
	}
	s.mu.Unlock()
}

var agentAudio = realtime.TrackInfo{
	SID:         "TR_agent_audio",
	Kind:        realtime.TrackKindAudio,
	Source:      SourceAgent,
	Participant: "agent",
}

// SourceAgent is the source reported for the scripted agent track.
const SourceAgent = "agent_voice"

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Joins returns the room options received in join frames, in order.
func (s *Server) Joins() []realtime.RoomOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]realtime.RoomOptions, len(s.joins))
	copy(out, s.joins)
	return out
}

// Leaves returns how many leave frames were received.
func (s *Server) Leaves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leave
}

// WaitForPeers polls until n peers are connected or timeout elapses.
func (s *Server) WaitForPeers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.PeerCount() == n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.PeerCount() == n
}
