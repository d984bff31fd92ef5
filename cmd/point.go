package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/babelcloud/gbox/packages/teleop/config"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type PointOptions struct {
	SessionOptions
	Width  float64
	Height float64
}

func NewPointCommand() *cobra.Command {
	opts := &PointOptions{}

	cmd := &cobra.Command{
		Use:   "point <vehicle-id> <x> <y>",
		Short: "Send a point-and-go target",
		Long: `Send a single point-and-go command. x and y are pixel coordinates on a surface of --width by
--height pixels; with the default 1x1 surface they are taken as already normalized.`,
		Example: `  teleop point rover-1 130 100 --width 260 --height 200
  teleop point rover-1 0.5 0.5`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoint(cmd, opts, args)
		},
	}

	addSessionFlags(cmd, &opts.SessionOptions)
	cmd.Flags().Float64Var(&opts.Width, "width", 1, "Width of the surface x was measured on, in pixels")
	cmd.Flags().Float64Var(&opts.Height, "height", 1, "Height of the surface y was measured on, in pixels")
	return cmd
}

func parsePoint(args []string, width, height float64) (protocol.PointAndGo, error) {
	x, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return protocol.PointAndGo{}, errors.Wrapf(err, "invalid x coordinate %q", args[1])
	}
	y, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return protocol.PointAndGo{}, errors.Wrapf(err, "invalid y coordinate %q", args[2])
	}
	return protocol.PointAndGoAt(x, y, width, height)
}

func runPoint(cmd *cobra.Command, opts *PointOptions, args []string) error {
	target, err := parsePoint(args, opts.Width, opts.Height)
	if err != nil {
		return err
	}

	p, err := selectProfile(opts.Profile)
	if err != nil {
		return err
	}
	settings, err := resolveSettings(opts.SessionOptions, "", args[:1], p)
	if err != nil {
		return err
	}
	// no video for a one-shot command
	settings.Camera = ""

	logger := util.GetLogger()
	controller, err := newController(settings, logger, nil, nil, nil)
	if err != nil {
		return err
	}
	defer controller.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), config.GetDialTimeout())
	defer cancel()
	if err := controller.Start(ctx); err != nil {
		return err
	}

	controller.SendCommand(target)
	fmt.Fprintf(cmd.OutOrStdout(), "Sent point-and-go to %s (imageX=%.3f, imageY=%.3f)\n", settings.Vehicle, target.ImageX, target.ImageY)
	return nil
}
