// Package session implements the voice session lifecycle controller: a
// single dispatch loop that turns toggle requests and transport signals into
// a small set of user-visible states and an activity log.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/voice-panel/panel/internal/bridge"
	"github.com/voice-panel/panel/internal/credential"
	"github.com/voice-panel/panel/internal/realtime"
)

const (
	inboxSize        = 64
	subscriberBuffer = 16
)

// CredentialFetcher obtains a credential for one session attempt.
type CredentialFetcher interface {
	Fetch(ctx context.Context) (credential.Credential, error)
}

// Dialer creates a fresh, unconnected realtime client for one session.
type Dialer func(opts realtime.RoomOptions) realtime.Client

// Messages handled by the dispatch loop.
type (
	toggleReq struct{ reply chan bool }

	acquired struct {
		gen    uint64
		client realtime.Client
		micErr error
	}

	acquireFailed struct {
		gen uint64
		err error
	}

	teardownDone struct {
		gen uint64
		err error
	}

	signalMsg struct {
		gen uint64
		sig bridge.Signal
	}
)

// liveSession is the single session handle owned by the loop.
type liveSession struct {
	id     string
	gen    uint64
	client realtime.Client
	cancel context.CancelFunc // stops the bridge
}

// Controller owns at most one realtime session. All state below the inbox is
// touched only by the Run goroutine.
type Controller struct {
	fetcher CredentialFetcher
	dial    Dialer

	serverURL       string
	roomOpts        realtime.RoomOptions
	logger          *slog.Logger
	now             func() time.Time
	connectTimeout  time.Duration
	teardownTimeout time.Duration
	retention       int

	inbox     chan any
	closing   chan struct{}
	stopped   chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	acquiring sync.WaitGroup
	running   atomic.Bool
	runCtx    context.Context
	cancelRun context.CancelFunc

	state   State
	status  Status
	log     *ActivityLog
	gen     uint64
	session *liveSession

	mu         sync.RWMutex
	snap       Snapshot
	subs       map[int]chan Snapshot
	nextSub    int
	subsClosed bool
}

// New creates a controller in Standby. Call Run to start processing.
func New(fetcher CredentialFetcher, dial Dialer, opts ...Option) *Controller {
	c := &Controller{
		fetcher:         fetcher,
		dial:            dial,
		roomOpts:        realtime.RoomOptions{AdaptiveStream: true, Dynacast: true},
		logger:          slog.Default(),
		now:             time.Now,
		connectTimeout:  DefaultConnectTimeout,
		teardownTimeout: DefaultTeardownTimeout,
		retention:       DefaultLogRetention,
		inbox:           make(chan any, inboxSize),
		closing:         make(chan struct{}),
		stopped:         make(chan struct{}),
		finished:        make(chan struct{}),
		subs:            make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = NewActivityLog(c.retention)
	c.snap = c.buildSnapshot()
	return c
}

// Run processes toggles and signals one at a time until ctx is done or Close
// is called.
func (c *Controller) Run(ctx context.Context) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.runCtx, c.cancelRun = context.WithCancel(ctx)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closing:
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

// Close stops the loop, disconnects any live or connecting session and
// closes all subscriptions.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
	if c.running.CompareAndSwap(false, true) {
		c.shutdown()
	}
	<-c.finished
}

// Toggle asks the loop to start or stop a session and waits until the loop
// has applied it. It reports false when the toggle was ignored because a
// session is being established or torn down.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case c.inbox <- toggleReq{reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.stopped:
		return false, ErrClosed
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.stopped:
		return false, ErrClosed
	}
}

// Snapshot returns the most recently published snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Subscribe returns a channel that receives the current snapshot and then
// every change. A slow reader loses intermediate snapshots, never the latest.
// The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snap
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ch, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case toggleReq:
		m.reply <- c.handleToggle()
	case acquired:
		c.handleAcquired(m)
	case acquireFailed:
		c.handleAcquireFailed(m)
	case teardownDone:
		c.handleTeardownDone(m)
	case signalMsg:
		c.handleSignal(m)
	}
}

func (c *Controller) handleToggle() bool {
	switch c.state {
	case Standby:
		c.gen++
		c.setState(Acquiring)
		c.status = Status{Loading: true}
		c.record(MsgRequestingToken)
		c.publish()
		c.acquiring.Add(1)
		go c.acquire(c.gen)
		return true

	case LiveIdle, LiveSpeaking:
		s := c.session
		c.setState(Ending)
		c.publish()
		go c.teardown(s.gen, s.client)
		return true
	}

	c.logger.Debug("toggle ignored", "state", c.state)
	return false
}

// acquire runs off-loop: fetch, connect, then enable the microphone.
func (c *Controller) acquire(gen uint64) {
	defer c.acquiring.Done()
	ctx, cancel := context.WithTimeout(c.runCtx, c.connectTimeout)
	defer cancel()

	cred, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.post(acquireFailed{gen: gen, err: fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)})
		return
	}

	client := c.dial(c.roomOpts)
	if err := client.Connect(ctx, c.serverURL, string(cred)); err != nil {
		c.discard(client)
		c.post(acquireFailed{gen: gen, err: fmt.Errorf("%w: %w", ErrEstablishmentFailure, err)})
		return
	}

	var micErr error
	if err := client.EnableMicrophone(ctx); err != nil {
		micErr = fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
	}
	if !c.post(acquired{gen: gen, client: client, micErr: micErr}) {
		c.discard(client)
	}
}

func (c *Controller) handleAcquired(m acquired) {
	if m.gen != c.gen || c.state != Acquiring {
		go c.discard(m.client)
		return
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	c.session = &liveSession{
		id:     uuid.NewString(),
		gen:    m.gen,
		client: m.client,
		cancel: cancel,
	}
	c.setState(LiveIdle)
	c.status = Status{Connected: true, Listening: true}
	c.record(MsgConnected)
	if m.micErr != nil {
		c.logger.Warn("microphone unavailable", "session_id", c.session.id, "error", m.micErr)
		c.record(MsgMicUnavailable)
	}
	c.publish()

	// The bridge starts only now, so no signal of this session can be
	// applied before the session exists.
	gen := m.gen
	go bridge.Forward(ctx, m.client.Events(), func(sig bridge.Signal) {
		c.post(signalMsg{gen: gen, sig: sig})
	})
}

func (c *Controller) handleAcquireFailed(m acquireFailed) {
	if m.gen != c.gen || c.state != Acquiring {
		return
	}
	c.logger.Warn("session establishment failed", "error", m.err)
	c.setState(Standby)
	c.status = Status{}
	c.record(MsgConnectionFailed)
	c.publish()
}

func (c *Controller) teardown(gen uint64, client realtime.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout)
	defer cancel()
	err := client.Disconnect(ctx)
	c.post(teardownDone{gen: gen, err: err})
}

func (c *Controller) handleTeardownDone(m teardownDone) {
	if c.session == nil || c.session.gen != m.gen || c.state != Ending {
		return
	}
	if m.err != nil {
		c.logger.Warn("session teardown incomplete", "session_id", c.session.id, "error", m.err)
	}
	c.endSession(MsgSessionEnded)
}

func (c *Controller) handleSignal(m signalMsg) {
	if c.session == nil || c.session.gen != m.gen {
		c.logger.Debug("signal ignored", "signal", m.sig, "state", c.state)
		return
	}

	switch m.sig {
	case bridge.RemoteAudioStarted:
		if c.state == LiveIdle {
			c.setState(LiveSpeaking)
			c.status.Speaking = true
			c.record(MsgAgentSpeaking)
			c.publish()
		}
	case bridge.RemoteAudioStopped:
		if c.state == LiveSpeaking {
			c.setState(LiveIdle)
			c.status.Speaking = false
			c.record(MsgAgentSilent)
			c.publish()
		}
	case bridge.Terminated:
		switch c.state {
		case LiveIdle, LiveSpeaking:
			client := c.session.client
			c.logger.Info("session closed", "session_id", c.session.id, "error", ErrRemoteTermination)
			c.endSession(MsgDisconnected)
			go c.discard(client)
		case Ending:
			c.endSession(MsgSessionEnded)
		}
	}
}

func (c *Controller) endSession(message string) {
	c.session.cancel()
	c.session = nil
	c.setState(Standby)
	c.status = Status{}
	c.record(message)
	c.publish()
}

// discard releases a client that never became, or no longer is, the live
// session.
func (c *Controller) discard(client realtime.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		c.logger.Debug("discard client", "error", err)
	}
}

// post hands a completion to the loop. It reports false once the loop has
// stopped.
func (c *Controller) post(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Controller) setState(s State) {
	if s != c.state {
		c.logger.Debug("session state", "from", c.state, "to", s)
	}
	c.state = s
}

func (c *Controller) record(message string) {
	c.log.Add(c.now(), message)
}

func (c *Controller) buildSnapshot() Snapshot {
	snap := Snapshot{
		State:  c.state,
		Status: c.status,
		Log:    c.log.Entries(),
		Taken:  c.now(),
	}
	if c.session != nil {
		snap.SessionID = c.session.id
	}
	return snap
}

// publish stores the current snapshot and fans it out. A full subscriber
// channel has its oldest pending snapshot replaced.
func (c *Controller) publish() {
	snap := c.buildSnapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	for _, ch := range c.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *Controller) shutdown() {
	if c.cancelRun != nil {
		c.cancelRun()
	}
	if s := c.session; s != nil {
		s.cancel()
		c.discard(s.client)
		c.session = nil
	}
	close(c.stopped)

	// Acquisitions still in flight either fail to post and discard their
	// client, or leave it in the inbox.
	c.acquiring.Wait()
	c.drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subsClosed = true
	close(c.finished)
}

// drain discards clients from acquisitions that completed after the loop
// stopped reading.
func (c *Controller) drain() {
	for {
		select {
		case msg := <-c.inbox:
			if m, ok := msg.(acquired); ok {
				c.discard(m.client)
			}
		default:
			return
		}
	}
}
