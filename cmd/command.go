package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/util"
)

func NewCommandCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <address> <NAME> [param]",
		Short: "Send one control command to a lens",
		Long: `Connect to a lens, send one control command and wait for its acknowledgement.

Parameters are parsed by command type: bool (true/false), int8, uint8, uint32,
or hex bytes for FIRMWARE_UPDATE. Run 'lenslink command list' for the table.`,
		Args: cobra.RangeArgs(2, 3),
		Example: `  lenslink command 127.0.0.1:28096 TOGGLE_HDR true
  lenslink command 127.0.0.1:28096 MODIFY_BITRATE 2500000
  lenslink command 127.0.0.1:28096 ADJUST_EXPOSURE -2`,
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 1 {
				return commandNames(), cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			param := ""
			if len(args) == 3 {
				param = args[2]
			}
			return ExecuteCommand(cmd, args[0], args[1], param)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known control commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := make([]map[string]interface{}, 0)
			for _, name := range commandNames() {
				spec, _ := protocol.CommandByName(name)
				media := ""
				if spec.Media {
					media = "yes"
				}
				rows = append(rows, map[string]interface{}{
					"id":    fmt.Sprintf("0x%02X", byte(spec.ID)),
					"name":  color.New(color.FgCyan).Sprint(spec.Name),
					"param": spec.Param,
					"media": media,
				})
			}
			util.RenderTable(os.Stdout, []util.TableColumn{
				{Header: "ID", Key: "id"},
				{Header: "NAME", Key: "name"},
				{Header: "PARAM", Key: "param"},
				{Header: "MEDIA", Key: "media"},
			}, rows)
			return nil
		},
	})

	return cmd
}

func commandNames() []string {
	var names []string
	for id := 0; id < 256; id++ {
		if spec, ok := protocol.LookupCommand(protocol.CommandID(id)); ok {
			names = append(names, spec.Name)
		}
	}
	sort.Strings(names)
	return names
}

func ExecuteCommand(cmd *cobra.Command, address, name, param string) error {
	keeper, err := newDeviceKeeper()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keeper.Close(ctx)
	}()

	ctx := cmd.Context()
	sp := util.NewUISpinner(fmt.Sprintf("Connecting to %s...", address))
	if err := keeper.Connect(ctx, address); err != nil {
		sp.Fail("Connection failed")
		return err
	}
	sp.Stop()

	name = strings.ToUpper(name)
	if err := keeper.SendCommand(ctx, address, name, param); err != nil {
		fmt.Printf("%s %s\n", color.RedString("✗"), name)
		return err
	}
	fmt.Printf("%s %s acknowledged\n", color.GreenString("✓"), name)
	return keeper.Disconnect(ctx, address)
}
