package main

import (
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"duocall/native/internal/call"
	"duocall/native/internal/logging"
	"duocall/native/internal/ui"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room without the interactive UI",
	Long: `Join a room and stay in the call until interrupted.

Examples:
  duocall join standup --video cam.ivf --audio mic.ogg
  duocall join standup --record-dir ./received`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, os.Stderr)

	ctx, cancel := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := newSession(ctx, cfg, logger, printEvent)
	if err != nil {
		return err
	}
	defer sess.Close()

	ui.PrintInfof("Joining room %s", args[0])
	if err := sess.call.StartCall(ctx, args[0]); err != nil {
		if !call.IsSetupError(err) {
			return err
		}
		// The room is joined; the call just has no media.
		ui.PrintError(err.Error())
	}

	<-ctx.Done()
	fmt.Println()
	sess.Close()
	fmt.Println(ui.SummaryView(sess.call.Summary()))
	return nil
}

func printEvent(e call.Event) {
	switch e.Kind {
	case call.EventJoined:
		ui.PrintSuccessf("Joined room %s", e.RoomID)
	case call.EventLocalStream:
		for _, tr := range e.Stream.Tracks() {
			ui.PrintInfof("Sending %s", tr.Kind())
		}
	case call.EventConnectionState:
		ui.PrintInfof("Connection %s", e.State)
	case call.EventPeerHello:
		ui.PrintSuccessf("%s %s is in the call", ui.IconPeer, e.Control.Name)
	case call.EventPeerBye:
		ui.PrintWarning("The other participant left")
	case call.EventRemoteTrack:
		ui.PrintInfof("Receiving %s (%s)", e.Track.Kind, e.Track.Codec)
	case call.EventLeft:
		ui.PrintInfof("%s Left room %s", ui.IconBye, e.RoomID)
	}
}
