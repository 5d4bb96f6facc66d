package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/config"
	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
	"github.com/heartneyes/lenslink/internal/util"
)

type ScanOptions struct {
	OutputFormat string
	Timeout      time.Duration
	All          bool
}

func NewScanCommand() *cobra.Command {
	opts := &ScanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover lenses in range",
		Long:  "Scan the configured radio addresses for advertising HEART'N'EYES lenses.",
		Example: `  lenslink scan
  lenslink scan --timeout 10s
  lenslink scan --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteScan(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "format", "", "text", "Specify output format. Options are \"text\" (default) or \"json\".")
	flags.DurationVarP(&opts.Timeout, "timeout", "t", config.GetScanTimeout(), "How long to scan")
	flags.BoolVarP(&opts.All, "all", "a", false, "Show every advertiser, not just lenses")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteScan(cmd *cobra.Command, opts *ScanOptions) error {
	keeper, err := newDeviceKeeper()
	if err != nil {
		return err
	}
	defer keeper.Close(context.Background())

	filter := scanFilter()
	if opts.All {
		filter = radio.ScanFilter{}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	sp := util.NewUISpinner("Scanning for lenses...")
	found, err := keeper.Scan(ctx, filter)
	if err != nil {
		sp.Fail("Scan failed")
		return err
	}
	sp.Success(fmt.Sprintf("Found %d lens(es)", len(found)))

	if opts.OutputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}

	if len(found) == 0 {
		color.New(color.Faint).Println("No lenses found. Make sure the lens is powered on and in range, or run 'lenslink simulate'.")
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(found))
	for _, adv := range found {
		rows = append(rows, map[string]interface{}{
			"address":  color.New(color.FgCyan).Sprint(adv.Address),
			"name":     adv.Name,
			"rssi":     adv.RSSI,
			"services": strings.Join(adv.Services, ","),
		})
	}
	util.RenderTable(os.Stdout, []util.TableColumn{
		{Header: "ADDRESS", Key: "address"},
		{Header: "NAME", Key: "name"},
		{Header: "RSSI", Key: "rssi"},
		{Header: "SERVICES", Key: "services"},
	}, rows)
	return nil
}
