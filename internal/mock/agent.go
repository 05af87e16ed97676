// Package mock provides an in-process scripted agent and a static credential
// source so the panel can run without a token server or signalling server.
package mock

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/voice-panel/panel/internal/realtime"
)

// Patterns understood by Agent.
const (
	PatternSteady = "steady" // short replies with long pauses
	PatternBurst  = "burst"  // long replies with short pauses
	PatternQuiet  = "quiet"  // greets once, then listens
	PatternHangup = "hangup" // a few turns, then leaves the room
)

// DefaultTick is the interval between script steps.
const DefaultTick = 500 * time.Millisecond

var agentTrack = &realtime.TrackInfo{
	SID:         "TR_mock_agent",
	Kind:        realtime.TrackKindAudio,
	Source:      "agent_voice",
	Participant: "mock-agent",
}

// Agent is a realtime.Client whose remote participant follows a script. Like
// any realtime.Client it is single-use.
type Agent struct {
	pattern  string
	tick     time.Duration
	maxTurns int
	logger   *slog.Logger

	// MicErr, when set, is returned by EnableMicrophone.
	MicErr error

	mu        sync.Mutex
	connected bool
	used      bool
	speaking  bool
	turns     int
	events    chan realtime.Event
	stop      chan struct{}
	done      chan struct{}
}

// NewAgent creates an agent following pattern, advancing once per tick. An
// unknown pattern behaves like PatternSteady.
func NewAgent(pattern string, tick time.Duration, logger *slog.Logger) *Agent {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		pattern:  pattern,
		tick:     tick,
		maxTurns: 3,
		logger:   logger,
		events:   make(chan realtime.Event, 64),
	}
}

// Connect starts the script. The credential must be non-empty; serverURL is
// ignored.
func (a *Agent) Connect(ctx context.Context, _ string, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if credential == "" {
		return errors.New("mock: empty credential")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used {
		return realtime.ErrAlreadyConnected
	}
	a.used = true
	a.connected = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	a.emit(realtime.Event{Kind: realtime.EventConnected})

	go a.run()
	a.logger.Debug("mock agent joined", "pattern", a.pattern)
	return nil
}

// EnableMicrophone acknowledges the local track.
func (a *Agent) EnableMicrophone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return realtime.ErrNotConnected
	}
	if a.MicErr != nil {
		return a.MicErr
	}
	a.emit(realtime.Event{
		Kind:  realtime.EventTrackPublished,
		Track: &realtime.TrackInfo{Kind: realtime.TrackKindAudio, Source: realtime.SourceMicrophone},
	})
	return nil
}

// Disconnect stops the script and waits for the event stream to close.
func (a *Agent) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return realtime.ErrNotConnected
	}
	a.connected = false
	close(a.stop)
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events streams the scripted events.
func (a *Agent) Events() <-chan realtime.Event {
	return a.events
}

func (a *Agent) run() {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	reason := "client initiated"
	defer func() {
		a.mu.Lock()
		a.connected = false
		a.emit(realtime.Event{Kind: realtime.EventDisconnected, Reason: reason})
		close(a.events)
		close(a.done)
		a.mu.Unlock()
	}()

	tick := 0
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			tick++
			if a.advance(tick) {
				reason = "agent left"
				return
			}
		}
	}
}

// advance applies one script step. It reports true when the agent hangs up.
func (a *Agent) advance(tick int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Greeting: every pattern speaks first.
	if tick <= 2 {
		if tick == 2 {
			a.startSpeaking()
		}
		return false
	}

	switch a.pattern {
	case PatternQuiet:
		if tick == 5 {
			a.stopSpeaking()
		}
	case PatternBurst:
		a.cycle(tick, 8, 6)
	case PatternHangup:
		if a.turns > a.maxTurns && !a.speaking {
			return true
		}
		a.cycle(tick, 6, 2)
	default:
		a.cycle(tick, 8, 3)
	}
	return false
}

// cycle speaks for the first talk ticks of every period-tick turn, with a
// little jitter on when a reply ends.
func (a *Agent) cycle(tick, period, talk int) {
	phase := (tick - 2) % period
	switch {
	case phase == 0:
		a.startSpeaking()
	case phase >= talk && a.speaking:
		if phase == talk && rand.Intn(4) == 0 && talk+1 < period {
			return
		}
		a.stopSpeaking()
	}
}

func (a *Agent) startSpeaking() {
	if a.speaking {
		return
	}
	a.speaking = true
	a.turns++
	a.emit(realtime.Event{Kind: realtime.EventTrackSubscribed, Track: agentTrack})
}

func (a *Agent) stopSpeaking() {
	if !a.speaking {
		return
	}
	a.speaking = false
	a.emit(realtime.Event{Kind: realtime.EventTrackUnsubscribed, Track: agentTrack})
}

// emit must be called with mu held. A reader that stopped draining loses
// events; the stream is still closed on exit.
func (a *Agent) emit(ev realtime.Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("mock agent event dropped", "kind", ev.Kind)
	}
}
