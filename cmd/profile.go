package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/teleop/config"
	"github.com/babelcloud/gbox/packages/teleop/internal/profile"
	"github.com/spf13/cobra"
)

type ProfileAddOptions struct {
	ServerURL string
	APIURL    string
	Vehicle   string
	Camera    string
}

func loadProfiles() (*profile.ProfileManager, error) {
	pm := profile.NewProfileManager(config.GetProfilePath())
	if err := pm.Load(); err != nil {
		return nil, err
	}
	return pm, nil
}

func NewProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage operator profiles",
		Long:  `Manage operator profiles: server endpoints plus the vehicle and camera used by default.`,
	}

	cmd.AddCommand(newProfileListCommand())
	cmd.AddCommand(newProfileAddCommand())
	cmd.AddCommand(newProfileUseCommand())
	cmd.AddCommand(newProfileRemoveCommand())
	return cmd
}

func newProfileListCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}
			return pm.List(cmd.OutOrStdout(), outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func newProfileAddCommand() *cobra.Command {
	opts := &ProfileAddOptions{}

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace a profile and make it current",
		Example: `  teleop profile add lab --server ws://lab:8080 --vehicle rover-1 --camera front
  teleop profile add field --server wss://teleop.example.com --api https://teleop.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}

			id, err := pm.Add(args[0], profile.Profile{
				ServerURL: opts.ServerURL,
				APIURL:    opts.APIURL,
				Vehicle:   opts.Vehicle,
				Camera:    opts.Camera,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' added and set as current\n", id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ServerURL, "server", "", "Session socket base URL")
	flags.StringVar(&opts.APIURL, "api", "", "HTTP API base URL")
	flags.StringVar(&opts.Vehicle, "vehicle", "", "Default vehicle id")
	flags.StringVar(&opts.Camera, "camera", "", "Default camera id")
	return cmd
}

func newProfileUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the current profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}
			if err := pm.Use(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Switched to profile '%s'\n", args[0])
			return nil
		},
	}
}

func newProfileRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := loadProfiles()
			if err != nil {
				return err
			}
			if err := pm.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' removed\n", args[0])
			return nil
		},
	}
}
