package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/voice-panel/panel/internal/app"
	"github.com/voice-panel/panel/internal/config"
	"github.com/voice-panel/panel/internal/credential"
	"github.com/voice-panel/panel/internal/mock"
	"github.com/voice-panel/panel/internal/realtime"
	"github.com/voice-panel/panel/internal/session"
)

const defaultConfigPath = "voice-panel.yaml"

type options struct {
	configPath  string
	tokenURL    string
	serverURL   string
	mock        bool
	mockPattern string
	logFile     string
	debug       bool
}

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "voice-panel",
		Short:         "Terminal control panel for a realtime voice agent",
		Long:          "voice-panel starts and stops a realtime voice session with one key and shows connection status and a session log.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			logger, closeLog, err := newLogger(opts.logFile, cfg.SlogLevel(), opts.debug)
			if err != nil {
				return err
			}
			defer closeLog()

			ctrl := buildController(cfg, opts.mock, logger)
			return runPanel(cmd.Context(), ctrl, logger)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	f.StringVar(&opts.tokenURL, "token-url", "", "Override token endpoint URL")
	f.StringVar(&opts.serverURL, "server-url", "", "Override realtime server URL")
	f.BoolVar(&opts.mock, "mock", false, "Use a scripted in-process agent instead of real services")
	f.StringVar(&opts.mockPattern, "mock-pattern", "", "Scripted agent pattern: steady, burst, quiet or hangup")
	f.StringVar(&opts.logFile, "log-file", "", "Write process logs to this file")
	f.BoolVar(&opts.debug, "debug", false, "Log at debug level")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig layers defaults, file, environment and flags. Only an
// explicitly requested config file has to exist.
func loadConfig(cmd *cobra.Command, opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(opts.configPath)
	} else {
		cfg, err = config.LoadOrDefault(opts.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.ApplyEnv(os.LookupEnv)

	if opts.tokenURL != "" {
		cfg.Token.URL = opts.tokenURL
	}
	if opts.serverURL != "" {
		cfg.Server.URL = opts.serverURL
	}
	if opts.mockPattern != "" {
		cfg.Mock.Pattern = opts.mockPattern
	}

	if err := cfg.Validate(opts.mock); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger writes text logs to path, or discards them when path is empty.
// The terminal belongs to the panel.
func newLogger(path string, level slog.Level, debug bool) (*slog.Logger, func(), error) {
	if debug {
		level = slog.LevelDebug
	}
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	return logger, func() { f.Close() }, nil
}

func buildController(cfg *config.Config, useMock bool, logger *slog.Logger) *session.Controller {
	var (
		fetcher session.CredentialFetcher
		dial    session.Dialer
	)
	if useMock {
		fetcher = &mock.Fetcher{}
		dial = func(realtime.RoomOptions) realtime.Client {
			return mock.NewAgent(cfg.Mock.Pattern, cfg.Mock.Tick, logger)
		}
	} else {
		fetcher = credential.NewHTTPFetcher(cfg.Token.URL, cfg.Token.Field, cfg.Token.Timeout)
		dial = func(opts realtime.RoomOptions) realtime.Client {
			return realtime.NewWSClient(opts, logger)
		}
	}

	return session.New(fetcher, dial,
		session.WithServerURL(cfg.Server.URL),
		session.WithRoomOptions(realtime.RoomOptions{
			AdaptiveStream: cfg.Room.AdaptiveStream,
			Dynacast:       cfg.Room.Dynacast,
		}),
		session.WithLogger(logger),
		session.WithConnectTimeout(cfg.Session.ConnectTimeout),
		session.WithTeardownTimeout(cfg.Session.TeardownTimeout),
		session.WithLogRetention(cfg.Log.MaxEntries),
	)
}

func runPanel(parent context.Context, ctrl *session.Controller, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()
	defer ctrl.Close()

	logger.Info("panel started")
	p := tea.NewProgram(app.New(ctrl), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run panel: %w", err)
	}

	ctrl.Close()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("controller stopped", "error", err)
	}
	logger.Info("panel stopped")
	return nil
}
