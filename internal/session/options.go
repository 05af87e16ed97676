package session

import (
	"log/slog"
	"time"

	"github.com/voice-panel/panel/internal/realtime"
)

const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
	DefaultLogRetention    = 500
)

// Option configures a Controller.
type Option func(*Controller)

// WithServerURL sets the realtime server every session connects to.
func WithServerURL(url string) Option {
	return func(c *Controller) { c.serverURL = url }
}

// WithRoomOptions sets the options handed to the Dialer.
func WithRoomOptions(opts realtime.RoomOptions) Option {
	return func(c *Controller) { c.roomOpts = opts }
}

// WithLogger sets the process logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source for activity log entries.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithConnectTimeout bounds credential fetch, connect and microphone enable.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithTeardownTimeout bounds the Ending state.
func WithTeardownTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.teardownTimeout = d
		}
	}
}

// WithLogRetention caps the activity log. Zero keeps every entry.
func WithLogRetention(n int) Option {
	return func(c *Controller) { c.retention = n }
}
