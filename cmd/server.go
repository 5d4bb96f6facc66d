package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/config"
	"github.com/heartneyes/lenslink/internal/server"
	"github.com/heartneyes/lenslink/internal/util"
)

// NewServerCmd creates the server command
func NewServerCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the lens control API",
		Long: `Run an HTTP API that connects to lenses on demand, records and streams their
video, and publishes link events over a WebSocket.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerInForeground(port)
		},
		Example: `  # Start on the configured port
  lenslink server

  # Start on a specific port
  lenslink server -p 8080`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")

	return cmd
}

func runServerInForeground(port int) error {
	util.SetupGlobalLogger()

	keeper, err := newDeviceKeeper()
	if err != nil {
		return err
	}
	srv := server.NewLensServer(port, keeper)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	color.New(color.Faint).Printf("Control API on http://localhost:%d/api/devices (Ctrl+C to stop)\n", port)

	select {
	case err := <-errCh:
		srv.Stop()
		return errors.Wrap(err, "server exited")
	case <-sigCh:
		return srv.Stop()
	}
}
