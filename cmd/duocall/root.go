package main

import (
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"

	"duocall/native/internal/call"
	"duocall/native/internal/config"
	"duocall/native/internal/logging"
	"duocall/native/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "duocall",
	Short: "Two-party video calls over WebRTC",
	Long: `duocall joins a room on a signaling relay and sets up a direct
audio/video call with the other participant in the same room.

Local media comes from files played in a loop (--video, --audio); received
media is written to --record-dir or discarded.

Examples:
  duocall --video cam.ivf --audio mic.ogg
  duocall join standup --video cam.ivf --record-dir ./received
  DUOCALL_SIGNAL_URL=https://relay.example.com duocall join standup`,
	Version: Version,
	Args:    cobra.NoArgs,
	RunE:    runInteractive,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "config file (default ~/.duocall.yaml)")

	f.String(config.KeySignalURL, config.DefaultSignalURL, "signaling relay URL")
	f.String(config.KeySignalPath, "", "relay mount path (default /socket.io/)")
	f.StringSlice(config.KeyTransports, []string{"websocket", "polling"}, "relay transports in the order they are tried")
	f.Duration(config.KeyRelayTimeout, config.DefaultRelayTimeout, "relay connect timeout")
	f.Bool(config.KeyNoReconnect, false, "do not reconnect to the relay after a disconnect")

	f.String(config.KeySTUN, config.DefaultSTUN, "STUN server URL")
	f.String(config.KeyTURN, "", "TURN server URL")
	f.String(config.KeyTURNUser, "", "TURN username")
	f.String(config.KeyTURNPass, "", "TURN password")
	f.String(config.KeyICEServersJSON, "", "ICE servers as a JSON array, replaces --stun/--turn")
	f.String(config.KeyICEServersURL, "", "URL to fetch additional ICE servers from")
	f.Bool(config.KeyForceRelay, false, "only use TURN relay candidates")

	f.String(config.KeyVideo, "", "video source (.ivf or .h264)")
	f.String(config.KeyAudio, "", "audio source (.ogg Opus)")
	f.String(config.KeyRecordDir, "", "directory for received media")
	f.String(config.KeyName, "duocall", "name announced to the other participant")

	f.String(config.KeyLogLevel, "error", "log level: debug, info, warn or error")
	f.String(config.KeyLogFile, config.DefaultLogFile, "log file for the interactive UI")

	if err := v.BindPFlags(f); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(joinCmd)
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// eventSink forwards call events to a receiver installed after the call
// exists. Events before Set are dropped.
type eventSink struct {
	fn atomic.Pointer[func(call.Event)]
}

func (s *eventSink) Set(fn func(call.Event)) { s.fn.Store(&fn) }

func (s *eventSink) Notify(e call.Event) {
	if fn := s.fn.Load(); fn != nil {
		(*fn)(e)
	}
}

func runInteractive(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := logging.Setup(cfg.LogLevel, logFile)

	ctx, cancel := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var events eventSink
	sess, err := newSession(ctx, cfg, logger, events.Notify)
	if err != nil {
		return err
	}
	defer sess.Close()

	model := ui.NewModel(ctx, sess.call)
	events.Set(model.Notify)

	p := tea.NewProgram(model, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ui: %w", err)
	}

	sess.Close()
	if s := sess.call.Summary(); s.RoomID != "" {
		fmt.Println(ui.SummaryView(s))
	}
	return nil
}
