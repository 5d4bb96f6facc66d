package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/heartneyes/lenslink/internal/profile"
	"github.com/heartneyes/lenslink/internal/util"
)

// NewProfileCommand creates the profile command
func NewProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage lens configuration profiles",
		Long: `Manage the lens configuration profiles pushed to a lens after it connects.
Profiles are TOML documents; privacy settings cannot be turned off.`,
	}

	cmd.AddCommand(profileValidateCmd)
	cmd.AddCommand(profileAddCmd)
	cmd.AddCommand(profileListCmd)
	cmd.AddCommand(profileShowCmd)
	cmd.AddCommand(profileUseCmd)
	cmd.AddCommand(profileDeleteCmd)
	return cmd
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a profile file without storing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := profile.LoadFile(args[0]); err != nil {
			fmt.Printf("%s %s\n", color.RedString("✗"), args[0])
			return err
		}
		fmt.Printf("%s %s is valid\n", color.GreenString("✓"), args[0])
		return nil
	},
}

var profileAddCmd = &cobra.Command{
	Use:   "add <id> <file>",
	Short: "Store a profile file under an id",
	Args:  cobra.ExactArgs(2),
	Example: `  lenslink profile add outdoor ./outdoor.toml
  lenslink profile use outdoor`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := profile.LoadFile(args[1])
		if err != nil {
			return err
		}
		pm := profile.NewProfileManager()
		if err := pm.Load(); err != nil {
			return err
		}
		if err := pm.Put(args[0], p); err != nil {
			return err
		}
		fmt.Printf("Profile %s saved\n", color.CyanString(args[0]))
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		pm := profile.NewProfileManager()
		if err := pm.Load(); err != nil {
			return err
		}
		current := pm.GetCurrentProfileID()
		var rows []map[string]interface{}
		for _, id := range pm.GetProfileIDs() {
			p, _ := pm.GetProfile(id)
			mark := ""
			if id == current {
				mark = color.GreenString("*")
			}
			rows = append(rows, map[string]interface{}{
				"current":    mark,
				"id":         id,
				"resolution": p.Video.Resolution,
				"codec":      p.Video.Codec,
				"framerate":  p.Video.Framerate,
				"platform":   p.Streaming.Platform,
			})
		}
		util.RenderTable(os.Stdout, []util.TableColumn{
			{Header: "", Key: "current"},
			{Header: "ID", Key: "id"},
			{Header: "RESOLUTION", Key: "resolution"},
			{Header: "CODEC", Key: "codec"},
			{Header: "FPS", Key: "framerate"},
			{Header: "PLATFORM", Key: "platform"},
		}, rows)
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a profile as TOML (default: the current one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pm := profile.NewProfileManager()
		if err := pm.Load(); err != nil {
			return err
		}
		var (
			p   profile.ConfigProfile
			err error
		)
		if len(args) == 1 {
			var ok bool
			if p, ok = pm.GetProfile(args[0]); !ok {
				return fmt.Errorf(profile.ErrProfileNotFound, args[0])
			}
		} else if p, err = pm.GetCurrent(); err != nil {
			return err
		}
		data, err := toml.Marshal(p)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Set current profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pm := profile.NewProfileManager()
		if err := pm.Load(); err != nil {
			return err
		}
		if err := pm.Use(args[0]); err != nil {
			return err
		}
		fmt.Printf("Current profile is now %s\n", color.CyanString(args[0]))
		return nil
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a profile",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pm := profile.NewProfileManager()
		if err := pm.Load(); err != nil {
			return err
		}
		return pm.Remove(args[0])
	},
}
