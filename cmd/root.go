package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/babelcloud/gbox/packages/teleop/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "teleop",
	Short: "Remote teleoperation operator client",
	Long: `teleop connects to a vehicle through the teleoperation server, streams its camera over WebRTC
and sends drive commands over the session socket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		util.InitLogger(verbose || util.IsVerbose())
		util.SetupGlobalLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "teleop version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewDriveCommand())
	rootCmd.AddCommand(NewPointCommand())
	rootCmd.AddCommand(NewProfileCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
