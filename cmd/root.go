package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/internal/util"
	"github.com/heartneyes/lenslink/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "lenslink",
		Short: "HEART'N'EYES lens companion",
		Long: `lenslink connects to a HEART'N'EYES lens, controls it, and records or streams
the video it sends. It can also run a local control API and a simulated lens.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Get()
				fmt.Printf("lenslink version %s, build %s\n", info.Version, info.GitCommit)
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().Bool("version", false, "Print version information and exit")

	rootCmd.AddCommand(NewScanCommand())
	rootCmd.AddCommand(NewConnectCommand())
	rootCmd.AddCommand(NewCommandCommand())
	rootCmd.AddCommand(NewSimulateCommand())
	rootCmd.AddCommand(NewServerCmd())
	rootCmd.AddCommand(NewProfileCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
