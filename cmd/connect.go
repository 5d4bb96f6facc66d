package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/internal/lens_connect/interlock"
	"github.com/heartneyes/lenslink/internal/lens_connect/link"
	"github.com/heartneyes/lenslink/internal/server"
	"github.com/heartneyes/lenslink/internal/util"
)

type ConnectOptions struct {
	Record   bool
	Stream   bool
	Title    string
	Platform string
	Quiet    bool
}

func NewConnectCommand() *cobra.Command {
	opts := &ConnectOptions{}

	cmd := &cobra.Command{
		Use:   "connect <address>",
		Short: "Connect to a lens and stay linked",
		Long: `Connect to a lens, optionally start recording and streaming, and print link
events until interrupted. The link is re-established automatically if it drops.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Connect and watch telemetry
  lenslink connect 127.0.0.1:28096

  # Record to the recordings directory and go live
  lenslink connect 127.0.0.1:28096 --record --stream --title "Morning walk"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteConnect(cmd, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.Record, "record", "r", false, "Record to a WebM file")
	flags.BoolVarP(&opts.Stream, "stream", "s", false, "Stream through the stream session service")
	flags.StringVarP(&opts.Title, "title", "", "", "Live stream title")
	flags.StringVarP(&opts.Platform, "platform", "", "", "Live stream platform (youtube, twitch or custom)")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not print telemetry updates")

	cmd.RegisterFlagCompletionFunc("platform", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"youtube", "twitch", "custom"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteConnect(cmd *cobra.Command, opts *ConnectOptions, address string) error {
	keeper, err := newDeviceKeeper()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keeper.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sp := util.NewUISpinner(fmt.Sprintf("Connecting to %s...", address))
	if err := keeper.Connect(ctx, address); err != nil {
		sp.Fail("Connection failed")
		return err
	}
	sp.Success(fmt.Sprintf("Connected to %s", color.CyanString(address)))

	session, _ := keeper.Get(address)
	events := session.Manager.Subscribe("cli", 256)

	if opts.Record {
		path, err := keeper.StartRecording(ctx, address)
		if err != nil {
			return err
		}
		fmt.Printf("● Recording to %s\n", color.CyanString(path))
	}
	if opts.Stream {
		stream, err := keeper.StartStreaming(ctx, address, server.StreamOptions{Title: opts.Title, Platform: opts.Platform})
		if err != nil {
			return err
		}
		fmt.Printf("● Live as stream %s\n", color.CyanString(stream.StreamID))
	}

	fmt.Printf("(Running in foreground. Press %s to disconnect.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return keeper.Disconnect(context.Background(), address)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(ev, opts.Quiet)
			if ev.Type == link.EventUnreachable {
				return fmt.Errorf("lens %s is unreachable", address)
			}
		}
	}
}

func printEvent(ev link.Event, quiet bool) {
	ts := color.New(color.Faint).Sprint(ev.Time.Format("15:04:05"))
	switch ev.Type {
	case link.EventState:
		fmt.Printf("%s state %s\n", ts, stateColor(ev.State).Sprint(ev.State))
	case link.EventTelemetry:
		if quiet || ev.Telemetry == nil {
			return
		}
		t := ev.Telemetry
		line := fmt.Sprintf("battery %d%%  temp %.1f°C  rec %v  live %v", t.BatteryPercent, t.TemperatureC, t.IsRecording, t.IsStreaming)
		if t.Suspect {
			line += color.YellowString("  suspect %v", t.SuspectFields)
		}
		fmt.Printf("%s %s\n", ts, line)
	case link.EventTelemetryError:
		fmt.Printf("%s %s %s\n", ts, color.YellowString("bad telemetry"), ev.Error)
	case link.EventInterlock:
		if ev.Interlock == nil {
			return
		}
		c := color.New(color.FgGreen)
		switch ev.Interlock.Level {
		case interlock.Warn, interlock.Throttle:
			c = color.New(color.FgYellow)
		case interlock.Suspend:
			c = color.New(color.FgRed, color.Bold)
		}
		fmt.Printf("%s interlock %s %v\n", ts, c.Sprint(ev.Interlock.Level), ev.Interlock.Reasons)
	case link.EventGap:
		fmt.Printf("%s %s %d chunk(s) lost\n", ts, color.YellowString("gap"), ev.Missing)
	case link.EventEndOfStream:
		fmt.Printf("%s end of stream\n", ts)
	case link.EventReconnecting:
		fmt.Printf("%s %s attempt %d in %s\n", ts, color.YellowString("reconnecting"), ev.Attempt, time.Duration(ev.DelayMs)*time.Millisecond)
	case link.EventUnreachable:
		fmt.Printf("%s %s %s\n", ts, color.RedString("unreachable"), ev.Error)
	case link.EventSinkError:
		fmt.Printf("%s %s %s: %s\n", ts, color.RedString("sink failed"), ev.Sink, ev.Error)
	case link.EventCommand:
		fmt.Printf("%s command %s %s\n", ts, ev.Command, color.RedString(ev.Error))
	}
}

func stateColor(s link.State) *color.Color {
	switch {
	case s == link.Suspended:
		return color.New(color.FgRed, color.Bold)
	case s.MediaActive():
		return color.New(color.FgMagenta)
	case s.Linked():
		return color.New(color.FgGreen)
	case s == link.Disconnected:
		return color.New(color.Faint)
	}
	return color.New(color.FgYellow)
}
