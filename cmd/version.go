package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/gbox/packages/teleop/internal/version"
	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.ClientInfo()
			out := cmd.OutOrStdout()
			if outputFormat == "json" {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			}

			fmt.Fprintf(out, "Version:    %s\n", info["Version"])
			fmt.Fprintf(out, "Protocol:   %s\n", info["ProtocolVersion"])
			fmt.Fprintf(out, "Messages:   %s\n", info["Messages"])
			fmt.Fprintf(out, "Go version: %s\n", info["GoVersion"])
			fmt.Fprintf(out, "Git commit: %s\n", info["GitCommit"])
			fmt.Fprintf(out, "Built:      %s\n", info["FormattedTime"])
			fmt.Fprintf(out, "OS/Arch:    %s/%s\n", info["OS"], info["Arch"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	return cmd
}
