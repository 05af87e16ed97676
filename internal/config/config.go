package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MockPatterns lists the scripted agent patterns accepted in mock.pattern.
var MockPatterns = []string{"steady", "burst", "quiet", "hangup"}

// Environment variables that override the file.
const (
	EnvTokenURL  = "VOICE_PANEL_TOKEN_URL"
	EnvServerURL = "VOICE_PANEL_SERVER_URL"
)

const DefaultLogMaxEntries = 500

type Config struct {
	Token   TokenConfig   `yaml:"token"`
	Server  ServerConfig  `yaml:"server"`
	Room    RoomConfig    `yaml:"room"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Mock    MockConfig    `yaml:"mock"`
}

type TokenConfig struct {
	URL     string        `yaml:"url"`
	Field   string        `yaml:"field"`
	Timeout time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	URL string `yaml:"url"`
}

type RoomConfig struct {
	AdaptiveStream bool `yaml:"adaptive_stream"`
	Dynacast       bool `yaml:"dynacast"`
}

type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

type LogConfig struct {
	MaxEntries int    `yaml:"max_entries"`
	Level      string `yaml:"level"`
}

// MockConfig drives the scripted agent used with --mock.
type MockConfig struct {
	Pattern string        `yaml:"pattern"`
	Tick    time.Duration `yaml:"tick"`
}

func defaultConfig() *Config {
	return &Config{
		Token: TokenConfig{
			URL:     "http://127.0.0.1:3001/token",
			Field:   "token",
			Timeout: 10 * time.Second,
		},
		Server: ServerConfig{
			URL: "ws://localhost:7880/rtc",
		},
		Room: RoomConfig{
			AdaptiveStream: true,
			Dynacast:       true,
		},
		Session: SessionConfig{
			ConnectTimeout:  15 * time.Second,
			TeardownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			MaxEntries: DefaultLogMaxEntries,
			Level:      "info",
		},
		Mock: MockConfig{
			Pattern: "steady",
			Tick:    500 * time.Millisecond,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. A missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// ApplyEnv overrides endpoints from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTokenURL); ok && v != "" {
		c.Token.URL = v
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.Server.URL = v
	}
}

// Validate reports the first unusable setting. Endpoints are only checked
// when the panel talks to real services, the agent pattern only in mock mode.
func (c *Config) Validate(mock bool) error {
	if !mock {
		if err := checkURL("token.url", c.Token.URL, "http", "https"); err != nil {
			return err
		}
		if err := checkURL("server.url", c.Server.URL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
		if strings.TrimSpace(c.Token.Field) == "" {
			return errors.New("token.field must not be empty")
		}
	} else if !slices.Contains(MockPatterns, c.Mock.Pattern) {
		return fmt.Errorf("mock.pattern %q is not one of %s", c.Mock.Pattern, strings.Join(MockPatterns, ", "))
	}
	if c.Token.Timeout < 0 {
		return fmt.Errorf("token.timeout must not be negative, got %v", c.Token.Timeout)
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be positive, got %v", c.Session.ConnectTimeout)
	}
	if c.Session.TeardownTimeout <= 0 {
		return fmt.Errorf("session.teardown_timeout must be positive, got %v", c.Session.TeardownTimeout)
	}
	if c.Log.MaxEntries < 0 {
		return fmt.Errorf("log.max_entries must not be negative, got %d", c.Log.MaxEntries)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured process log level, info when unset or
// unknown.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q: want an absolute %s URL", key, raw, strings.Join(schemes, "/"))
}
