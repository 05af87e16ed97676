package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voice-panel/panel/internal/credential"
	"github.com/voice-panel/panel/internal/realtime"
)

// --- fakes ---

type fakeFetcher struct {
	err     error
	release chan struct{} // when set, Fetch blocks until closed or ctx ends
	calls   atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context) (credential.Credential, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return "tok", nil
}

type fakeClient struct {
	connectErr      error
	micErr          error
	blockDisconnect chan struct{} // when set, Disconnect waits for it or ctx
	micStarted      chan struct{} // when set, closed by EnableMicrophone, which then waits for ctx
	onConnect       []realtime.Event

	events chan realtime.Event

	mu          sync.Mutex
	closed      bool
	serverURL   string
	credential  string
	disconnects int
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan realtime.Event, 32)}
}

func (c *fakeClient) Connect(_ context.Context, serverURL, cred string) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.serverURL = serverURL
	c.credential = cred
	c.mu.Unlock()
	for _, ev := range c.onConnect {
		c.emit(ev)
	}
	c.emit(realtime.Event{Kind: realtime.EventConnected})
	return nil
}

func (c *fakeClient) EnableMicrophone(ctx context.Context) error {
	if c.micStarted != nil {
		close(c.micStarted)
		<-ctx.Done()
		return ctx.Err()
	}
	return c.micErr
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	if c.blockDisconnect != nil {
		select {
		case <-c.blockDisconnect:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.events <- realtime.Event{Kind: realtime.EventDisconnected, Reason: "client initiated"}
		close(c.events)
	}
	return nil
}

func (c *fakeClient) Events() <-chan realtime.Event { return c.events }

func (c *fakeClient) emit(ev realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

func (c *fakeClient) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// --- harness ---

type harness struct {
	ctrl    *Controller
	fetcher *fakeFetcher

	mu      sync.Mutex
	clients []*fakeClient
	opts    []realtime.RoomOptions
}

func newHarness(t *testing.T, fetcher *fakeFetcher, mk func() *fakeClient, opts ...Option) *harness {
	t.Helper()
	if mk == nil {
		mk = newFakeClient
	}
	h := &harness{fetcher: fetcher}
	dial := func(o realtime.RoomOptions) realtime.Client {
		c := mk()
		h.mu.Lock()
		h.clients = append(h.clients, c)
		h.opts = append(h.opts, o)
		h.mu.Unlock()
		return c
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.ctrl = New(fetcher, dial, append([]Option{WithLogger(quiet), WithServerURL("wss://rtc.test")}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		h.ctrl.Close()
		cancel()
		<-done
	})
	return h
}

func (h *harness) client(i int) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[i]
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *harness) toggle(t *testing.T) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := h.ctrl.Toggle(ctx)
	if err != nil {
		t.Fatalf("Toggle() error: %v", err)
	}
	return ok
}

// waitFor polls the controller snapshot until cond holds.
func waitFor(t *testing.T, c *Controller, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := c.Snapshot()
	t.Fatalf("timed out waiting for %s; state=%v status=%+v log=%v", desc, s.State, s.Status, Messages(s.Log))
	return Snapshot{}
}

func inState(want State) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.State == want }
}

func logLen(n int) func(Snapshot) bool {
	return func(s Snapshot) bool { return len(s.Log) == n }
}

func assertLog(t *testing.T, s Snapshot, want ...string) {
	t.Helper()
	if got := Messages(s.Log); !reflect.DeepEqual(got, want) {
		t.Errorf("log = %q, want %q", got, want)
	}
}

// --- tests ---

func TestInitialSnapshot(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	s := h.ctrl.Snapshot()
	if s.State != Standby {
		t.Errorf("State = %v, want standby", s.State)
	}
	if s.Status != (Status{}) {
		t.Errorf("Status = %+v, want zero", s.Status)
	}
	if len(s.Log) != 0 {
		t.Errorf("log has %d entries, want 0", len(s.Log))
	}
}

func TestCredentialFailure(t *testing.T) {
	h := newHarness(t, &fakeFetcher{err: credential.ErrUnavailable}, nil)

	if !h.toggle(t) {
		t.Fatal("Toggle() from standby was ignored")
	}
	s := waitFor(t, h.ctrl, "connection failure", logLen(2))

	if s.State != Standby {
		t.Errorf("State = %v, want standby", s.State)
	}
	if s.Status != (Status{}) {
		t.Errorf("Status = %+v, want zero (loading ends false)", s.Status)
	}
	assertLog(t, s, MsgConnectionFailed, MsgRequestingToken)
	if h.dialCount() != 0 {
		t.Errorf("dialed %d clients after credential failure, want 0", h.dialCount())
	}
}

func TestRemoteAudioAndRemoteTermination(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	var visited []State
	record := func(want State) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case s := <-updates:
				if len(visited) == 0 || visited[len(visited)-1] != s.State {
					visited = append(visited, s.State)
				}
				if s.State == want {
					return
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %v; visited %v", want, visited)
			}
		}
	}

	record(Standby)
	h.toggle(t)
	record(LiveIdle)

	c := h.client(0)
	c.emit(realtime.Event{Kind: realtime.EventTrackSubscribed, Track: &realtime.TrackInfo{Kind: "audio"}})
	record(LiveSpeaking)
	c.emit(realtime.Event{Kind: realtime.EventTrackUnsubscribed, Track: &realtime.TrackInfo{Kind: "audio"}})
	record(LiveIdle)
	c.emit(realtime.Event{Kind: realtime.EventDisconnected, Reason: "agent left"})
	record(Standby)

	want := []State{Standby, Acquiring, LiveIdle, LiveSpeaking, LiveIdle, Standby}
	if !reflect.DeepEqual(visited, want) {
		t.Errorf("visited %v, want %v", visited, want)
	}

	s := h.ctrl.Snapshot()
	assertLog(t, s, MsgDisconnected, MsgAgentSilent, MsgAgentSpeaking, MsgConnected, MsgRequestingToken)
	if s.Status != (Status{}) {
		t.Errorf("Status = %+v, want zero after remote termination", s.Status)
	}
	if s.SessionID != "" {
		t.Errorf("SessionID = %q after termination, want empty", s.SessionID)
	}
}

func TestToggleDuringAcquiringIgnored(t *testing.T) {
	fetcher := &fakeFetcher{release: make(chan struct{})}
	h := newHarness(t, fetcher, nil)

	if !h.toggle(t) {
		t.Fatal("first Toggle() ignored")
	}
	before := h.ctrl.Snapshot()
	if before.State != Acquiring || !before.Status.Loading {
		t.Fatalf("after toggle state=%v loading=%v, want acquiring and loading", before.State, before.Status.Loading)
	}

	if h.toggle(t) {
		t.Error("Toggle() during acquiring was accepted")
	}
	after := h.ctrl.Snapshot()
	if after.State != before.State || after.Status != before.Status || len(after.Log) != len(before.Log) {
		t.Errorf("ignored toggle changed snapshot: before %v/%+v/%d, after %v/%+v/%d",
			before.State, before.Status, len(before.Log), after.State, after.Status, len(after.Log))
	}

	close(fetcher.release)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("Fetch called %d times, want 1", got)
	}
	if h.dialCount() != 1 {
		t.Errorf("dialed %d clients, want 1", h.dialCount())
	}
}

func TestRoundTripRestoresInitialStatus(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)

	h.toggle(t)
	live := waitFor(t, h.ctrl, "live", inState(LiveIdle))
	if live.Status != (Status{Connected: true, Listening: true}) {
		t.Errorf("live Status = %+v, want connected and listening", live.Status)
	}
	if live.SessionID == "" {
		t.Error("live snapshot has no SessionID")
	}

	if !h.toggle(t) {
		t.Fatal("Toggle() while live was ignored")
	}
	s := waitFor(t, h.ctrl, "standby", func(s Snapshot) bool {
		return s.State == Standby && len(s.Log) == 3
	})

	if s.Status != (Status{}) {
		t.Errorf("Status = %+v, want initial zero tuple", s.Status)
	}
	assertLog(t, s, MsgSessionEnded, MsgConnected, MsgRequestingToken)
	if h.client(0).Disconnects() == 0 {
		t.Error("client was never disconnected")
	}
}

func TestToggleDuringEndingIgnored(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeFetcher{}, func() *fakeClient {
		c := newFakeClient()
		c.blockDisconnect = release
		return c
	})

	h.toggle(t)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))
	h.toggle(t)
	before := waitFor(t, h.ctrl, "ending", inState(Ending))

	if h.toggle(t) {
		t.Error("Toggle() during ending was accepted")
	}
	if after := h.ctrl.Snapshot(); len(after.Log) != len(before.Log) || after.State != Ending {
		t.Errorf("ignored toggle changed snapshot: state=%v log=%d", after.State, len(after.Log))
	}

	close(release)
	s := waitFor(t, h.ctrl, "standby", inState(Standby))
	assertLog(t, s, MsgSessionEnded, MsgConnected, MsgRequestingToken)
}

func TestEstablishmentFailure(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, func() *fakeClient {
		c := newFakeClient()
		c.connectErr = errors.New("handshake rejected")
		return c
	})

	h.toggle(t)
	s := waitFor(t, h.ctrl, "failure", logLen(2))

	if s.State != Standby || s.Status != (Status{}) {
		t.Errorf("state=%v status=%+v, want standby with zero status", s.State, s.Status)
	}
	assertLog(t, s, MsgConnectionFailed, MsgRequestingToken)
	if h.client(0).Disconnects() == 0 {
		t.Error("partially built client was not discarded")
	}
}

func TestMicrophoneFailureKeepsConnection(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, func() *fakeClient {
		c := newFakeClient()
		c.micErr = errors.New("no capture device")
		return c
	})

	h.toggle(t)
	s := waitFor(t, h.ctrl, "live", inState(LiveIdle))

	if s.Status != (Status{Connected: true, Listening: true}) {
		t.Errorf("Status = %+v, want connectivity kept", s.Status)
	}
	assertLog(t, s, MsgMicUnavailable, MsgConnected, MsgRequestingToken)
}

func TestRedundantSignalsIgnored(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	h.toggle(t)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))
	c := h.client(0)

	audio := &realtime.TrackInfo{Kind: "audio"}
	c.emit(realtime.Event{Kind: realtime.EventTrackUnsubscribed, Track: audio}) // silent while idle
	c.emit(realtime.Event{Kind: realtime.EventConnected})                       // already live
	c.emit(realtime.Event{Kind: realtime.EventTrackSubscribed, Track: audio})
	c.emit(realtime.Event{Kind: realtime.EventTrackSubscribed, Track: audio}) // already speaking
	c.emit(realtime.Event{Kind: realtime.EventTrackSubscribed, Track: &realtime.TrackInfo{Kind: "video"}})

	s := waitFor(t, h.ctrl, "speaking", inState(LiveSpeaking))
	// Let the trailing duplicates drain through the loop.
	time.Sleep(50 * time.Millisecond)
	s = h.ctrl.Snapshot()

	assertLog(t, s, MsgAgentSpeaking, MsgConnected, MsgRequestingToken)
	if !s.Status.Speaking {
		t.Error("Speaking = false, want true")
	}
}

func TestAgentTrackDuringHandshakeAppliedAfterConnect(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, func() *fakeClient {
		c := newFakeClient()
		c.onConnect = []realtime.Event{{Kind: realtime.EventTrackSubscribed}}
		return c
	})

	h.toggle(t)
	s := waitFor(t, h.ctrl, "speaking", inState(LiveSpeaking))
	assertLog(t, s, MsgAgentSpeaking, MsgConnected, MsgRequestingToken)
}

func TestStatusInvariantsOnEverySnapshot(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	var (
		mu    sync.Mutex
		seen  []Snapshot
		done  = make(chan struct{})
		audio = &realtime.TrackInfo{Kind: "audio"}
	)
	go func() {
		defer close(done)
		for s := range updates {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		}
	}()

	for round := 0; round < 3; round++ {
		h.toggle(t)
		waitFor(t, h.ctrl, "live", inState(LiveIdle))
		c := h.client(round)
		c.emit(realtime.Event{Kind: realtime.EventTrackSubscribed, Track: audio})
		waitFor(t, h.ctrl, "speaking", inState(LiveSpeaking))
		if round%2 == 0 {
			h.toggle(t)
		} else {
			c.emit(realtime.Event{Kind: realtime.EventDisconnected})
		}
		waitFor(t, h.ctrl, "standby", inState(Standby))
	}

	unsubscribe()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no snapshots observed")
	}
	for i, s := range seen {
		if !s.Status.Consistent() {
			t.Errorf("snapshot %d (%v) violates speaking⇒listening⇒connected: %+v", i, s.State, s.Status)
		}
		if s.Status.Loading != (s.State == Acquiring) {
			t.Errorf("snapshot %d: loading=%v in state %v", i, s.Status.Loading, s.State)
		}
	}
}

func TestConcurrentTogglesCreateOneSession(t *testing.T) {
	fetcher := &fakeFetcher{release: make(chan struct{})}
	h := newHarness(t, fetcher, nil)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.ctrl.Toggle(context.Background())
			if err == nil && ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("%d toggles accepted while acquiring, want 1", got)
	}
	close(fetcher.release)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))
	if h.dialCount() != 1 {
		t.Errorf("dialed %d clients, want 1", h.dialCount())
	}
}

func TestConnectTimeout(t *testing.T) {
	// Fetch blocks until its context expires.
	h := newHarness(t, &fakeFetcher{release: make(chan struct{})}, nil, WithConnectTimeout(50*time.Millisecond))

	h.toggle(t)
	s := waitFor(t, h.ctrl, "failure", logLen(2))
	assertLog(t, s, MsgConnectionFailed, MsgRequestingToken)
	if s.State != Standby {
		t.Errorf("State = %v, want standby", s.State)
	}
}

func TestTeardownTimeout(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, func() *fakeClient {
		c := newFakeClient()
		c.blockDisconnect = make(chan struct{}) // never released
		return c
	}, WithTeardownTimeout(50*time.Millisecond))

	h.toggle(t)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))
	h.toggle(t)
	s := waitFor(t, h.ctrl, "standby", inState(Standby))
	assertLog(t, s, MsgSessionEnded, MsgConnected, MsgRequestingToken)
}

func TestRoomOptionsAndServerURLForwarded(t *testing.T) {
	opts := realtime.RoomOptions{AdaptiveStream: true, Dynacast: false}
	h := newHarness(t, &fakeFetcher{}, nil, WithRoomOptions(opts), WithServerURL("wss://voice.example"))

	h.toggle(t)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))

	h.mu.Lock()
	got := h.opts[0]
	h.mu.Unlock()
	if got != opts {
		t.Errorf("dialer got options %+v, want %+v", got, opts)
	}
	c := h.client(0)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverURL != "wss://voice.example" || c.credential != "tok" {
		t.Errorf("Connect(%q, %q), want (%q, %q)", c.serverURL, c.credential, "wss://voice.example", "tok")
	}
}

func TestLogTimestampsUseClock(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 30, 15, 0, time.UTC)
	h := newHarness(t, &fakeFetcher{err: errors.New("down")}, nil, WithClock(func() time.Time { return at }))

	h.toggle(t)
	s := waitFor(t, h.ctrl, "failure", logLen(2))
	if got := s.Log[0].String(); got != "[09:30:15] Connection failed" {
		t.Errorf("entry = %q, want %q", got, "[09:30:15] Connection failed")
	}
}

func TestCloseDisconnectsLiveSession(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	updates, _ := h.ctrl.Subscribe()

	h.toggle(t)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))
	h.ctrl.Close()

	if h.client(0).Disconnects() == 0 {
		t.Error("Close() did not disconnect the live session")
	}
	for range updates {
	}
	if _, err := h.ctrl.Toggle(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Toggle() after Close error = %v, want ErrClosed", err)
	}
	ch, _ := h.ctrl.Subscribe()
	if _, ok := <-ch; ok {
		t.Error("Subscribe() after Close returned an open channel")
	}
}

func TestShutdownDuringAcquireDisconnectsClient(t *testing.T) {
	tests := []struct {
		name string
		stop func(ctrl *Controller, cancel context.CancelFunc, done <-chan struct{})
	}{
		{
			name: "close",
			stop: func(ctrl *Controller, _ context.CancelFunc, _ <-chan struct{}) { ctrl.Close() },
		},
		{
			name: "run context cancelled",
			stop: func(_ *Controller, cancel context.CancelFunc, done <-chan struct{}) {
				cancel()
				<-done
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.micStarted = make(chan struct{})
			dial := func(realtime.RoomOptions) realtime.Client { return client }
			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
			ctrl := New(&fakeFetcher{}, dial, WithLogger(quiet))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				ctrl.Run(ctx)
			}()

			toggleCtx, toggleCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer toggleCancel()
			if ok, err := ctrl.Toggle(toggleCtx); !ok || err != nil {
				t.Fatalf("Toggle() = %v, %v, want true, nil", ok, err)
			}
			select {
			case <-client.micStarted:
			case <-time.After(2 * time.Second):
				t.Fatal("microphone was never enabled")
			}

			tt.stop(ctrl, cancel, done)

			if got := client.Disconnects(); got == 0 {
				t.Error("client connected during shutdown was never disconnected")
			}
			if s := ctrl.Snapshot(); s.Status.Connected {
				t.Errorf("Snapshot().Status = %+v after shutdown, want not connected", s.Status)
			}
		})
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	// The harness loop may still be starting.
	waitFor(t, h.ctrl, "running", func(Snapshot) bool { return h.ctrl.running.Load() })
	if err := h.ctrl.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	audio := &realtime.TrackInfo{Kind: "audio"}
	h.toggle(t)
	waitFor(t, h.ctrl, "live", inState(LiveIdle))
	c := h.client(0)
	for i := 0; i < subscriberBuffer; i++ {
		c.emit(realtime.Event{Kind: realtime.EventTrackSubscribed, Track: audio})
		waitFor(t, h.ctrl, "speaking", inState(LiveSpeaking))
		c.emit(realtime.Event{Kind: realtime.EventTrackUnsubscribed, Track: audio})
		waitFor(t, h.ctrl, "idle", inState(LiveIdle))
	}

	var last Snapshot
	for {
		select {
		case s := <-updates:
			last = s
			continue
		default:
		}
		break
	}
	if last.State != LiveIdle || len(last.Log) != len(h.ctrl.Snapshot().Log) {
		t.Errorf("last buffered snapshot state=%v log=%d, want latest", last.State, len(last.Log))
	}
}
