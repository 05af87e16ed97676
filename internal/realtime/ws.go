package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 64
)

// WSClient implements Client over a JSON signalling WebSocket.
type WSClient struct {
	opts   RoomOptions
	dialer *websocket.Dialer
	logger *slog.Logger

	events      chan Event
	established chan struct{}
	done        chan struct{} // closed when the read loop exits
	stop        chan struct{} // closed by Disconnect

	mu         sync.Mutex
	writeMu    sync.Mutex // serialises all conn writes
	conn       *websocket.Conn
	seq        uint64
	publishAck chan error
	pingCancel context.CancelFunc

	establishOnce sync.Once
	stopOnce      sync.Once
}

// NewWSClient creates an unconnected client that will join with opts.
func NewWSClient(opts RoomOptions, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		opts:        opts,
		dialer:      websocket.DefaultDialer,
		logger:      logger,
		events:      make(chan Event, eventBuffer),
		established: make(chan struct{}),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
	}
}

// Events returns the raw event stream.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Connect dials the signalling server and waits for the connected frame.
func (c *WSClient) Connect(ctx context.Context, serverURL, credential string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", credential)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", serverURL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}

	// Not shared yet, so no write mutex.
	join, err := NewFrame(MsgJoin, JoinPayload{Options: c.opts})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.pingCancel = pingCancel
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(pingCtx, conn)

	select {
	case <-c.established:
		c.logger.Debug("realtime session established", "server", serverURL)
		return nil
	case <-c.done:
		c.teardown(conn)
		return fmt.Errorf("connection closed before handshake")
	case <-ctx.Done():
		c.teardown(conn)
		return ctx.Err()
	}
}

// EnableMicrophone publishes the microphone track and waits for the server
// to acknowledge it.
func (c *WSClient) EnableMicrophone(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.publishAck != nil {
		c.mu.Unlock()
		return fmt.Errorf("microphone publish already pending")
	}
	ack := make(chan error, 1)
	c.publishAck = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.publishAck == ack {
			c.publishAck = nil
		}
		c.mu.Unlock()
	}()

	frame, err := NewFrame(MsgPublishTrack, TrackPayload{Track: TrackInfo{
		Kind:   TrackKindAudio,
		Source: SourceMicrophone,
	}})
	if err != nil {
		return err
	}
	if err := c.write(conn, frame); err != nil {
		return fmt.Errorf("send publish_track: %w", err)
	}

	select {
	case err := <-ack:
		return err
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect sends leave, closes the socket and waits for the read loop to
// finish or ctx to expire.
func (c *WSClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stop) })

	if leave, err := NewFrame(MsgLeave, nil); err == nil {
		if err := c.write(conn, leave); err != nil {
			c.logger.Debug("send leave failed", "error", err)
		}
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"))
	c.writeMu.Unlock()

	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.teardown(conn)
	return err
}

func (c *WSClient) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *WSClient) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// readLoop turns frames into events until the connection drops. It always
// ends with a disconnected event followed by closing the events channel.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	sawDisconnect := false
	defer func() {
		close(c.done)
		close(c.events)
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !sawDisconnect {
				c.emit(Event{Kind: EventDisconnected, Reason: closeReason(err)})
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		c.mu.Lock()
		if f.Seq > 0 {
			c.seq = f.Seq
		}
		c.mu.Unlock()

		if ev, ok := c.dispatch(f); ok {
			if ev.Kind == EventDisconnected {
				sawDisconnect = true
			}
			c.emit(ev)
		}
	}
}

func (c *WSClient) dispatch(f Frame) (Event, bool) {
	switch f.Type {
	case MsgConnected:
		c.establishOnce.Do(func() { close(c.established) })
		return Event{Kind: EventConnected}, true
	case MsgDisconnected:
		var p DisconnectedPayload
		json.Unmarshal(f.Payload, &p)
		return Event{Kind: EventDisconnected, Reason: p.Reason}, true
	case MsgTrackSubscribed, MsgTrackUnsubscribed, MsgTrackPublished:
		var p TrackPayload
		if json.Unmarshal(f.Payload, &p) != nil {
			return Event{}, false
		}
		if f.Type == MsgTrackPublished && p.Track.Source == SourceMicrophone {
			c.ack(nil)
		}
		return Event{Kind: EventKind(f.Type), Track: &p.Track}, true
	case MsgError:
		var p ErrorPayload
		json.Unmarshal(f.Payload, &p)
		c.ack(fmt.Errorf("%w: %s", ErrMicrophoneRejected, p.Message))
		return Event{Kind: EventError, Message: p.Message}, true
	}
	return Event{}, false
}

func (c *WSClient) ack(err error) {
	c.mu.Lock()
	ack := c.publishAck
	c.mu.Unlock()
	if ack == nil {
		return
	}
	select {
	case ack <- err:
	default:
	}
}

// emit prefers delivering the event; it only gives up when the buffer is full
// and Disconnect has been called.
func (c *WSClient) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or a write fails.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("close %d", ce.Code)
	}
	return "connection lost"
}
