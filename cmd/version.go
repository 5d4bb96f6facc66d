package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/internal/version"
)

func NewVersionCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Printf("Version:      %s\n", info.Version)
			fmt.Printf("Protocol:     %s\n", info.ProtocolVersion)
			fmt.Printf("Go version:   %s\n", info.GoVersion)
			fmt.Printf("Git commit:   %s\n", info.GitCommit)
			fmt.Printf("Built:        %s\n", info.FormattedTime)
			fmt.Printf("OS/Arch:      %s/%s\n", info.OS, info.Arch)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "", "text", "Output format (json or text)")
	return cmd
}
