package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/config"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
)

type SimulateOptions struct {
	Address       string
	Name          string
	DeviceID      string
	ChunkInterval time.Duration
	ChunkSize     int
	KeyframeEvery int
	StatusEvery   time.Duration
	Battery       float64
	Temperature   float64
	Drain         float64
}

func NewSimulateCommand() *cobra.Command {
	defaults := radio.DefaultSimulatorOptions()
	opts := &SimulateOptions{}

	listen := "127.0.0.1:28096"
	if addrs := config.GetRadioAddresses(); len(addrs) > 0 {
		listen = addrs[0]
	}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated lens",
		Long: `Run a simulated HEART'N'EYES lens on a TCP address. It advertises itself,
sends video chunks and status messages, and acknowledges commands.`,
		Example: `  lenslink simulate
  lenslink simulate --listen 127.0.0.1:28100 --battery 12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteSimulate(cmd, opts, defaults)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Address, "listen", "l", listen, "Address to listen on")
	flags.StringVarP(&opts.Name, "name", "n", defaults.Name, "Advertised name")
	flags.StringVarP(&opts.DeviceID, "device-id", "", defaults.DeviceID, "Reported device id")
	flags.DurationVarP(&opts.ChunkInterval, "chunk-interval", "", defaults.ChunkInterval, "Time between video chunks")
	flags.IntVarP(&opts.ChunkSize, "chunk-size", "", defaults.ChunkSize, "Video chunk payload size in bytes")
	flags.IntVarP(&opts.KeyframeEvery, "keyframe-every", "", defaults.KeyframeEvery, "Chunks per frame")
	flags.DurationVarP(&opts.StatusEvery, "status-interval", "", defaults.StatusInterval, "Time between status messages")
	flags.Float64VarP(&opts.Battery, "battery", "", defaults.Battery, "Starting battery percentage")
	flags.Float64VarP(&opts.Temperature, "temperature", "", defaults.Temperature, "Lens temperature in °C")
	flags.Float64VarP(&opts.Drain, "drain", "", defaults.BatteryDrain, "Battery drain per status message while recording or streaming")

	return cmd
}

func ExecuteSimulate(cmd *cobra.Command, opts *SimulateOptions, defaults radio.SimulatorOptions) error {
	sim := defaults
	sim.Name = opts.Name
	sim.DeviceID = opts.DeviceID
	sim.ChunkInterval = opts.ChunkInterval
	sim.ChunkSize = opts.ChunkSize
	sim.KeyframeEvery = opts.KeyframeEvery
	sim.StatusInterval = opts.StatusEvery
	sim.Battery = opts.Battery
	sim.Temperature = opts.Temperature
	sim.BatteryDrain = opts.Drain

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Printf("Simulating lens %s on %s (press %s to stop)\n",
		color.CyanString(sim.DeviceID), color.CyanString(opts.Address),
		color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
	return radio.RunSimulator(ctx, opts.Address, sim)
}
