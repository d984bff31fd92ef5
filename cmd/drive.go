package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/babelcloud/gbox/packages/teleop/config"
	"github.com/babelcloud/gbox/packages/teleop/internal/profile"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/control"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/engine"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/mailbox"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/session"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/signaling"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/transport"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// SessionOptions are the connection flags shared by drive and point.
type SessionOptions struct {
	ServerURL    string
	APIURL       string
	Profile      string
	PollInterval time.Duration
}

type DriveOptions struct {
	SessionOptions
	Camera string
}

// sessionSettings is the effective configuration after flags, profile and config are merged.
type sessionSettings struct {
	Vehicle      string
	Camera       string
	ServerURL    string
	APIURL       string
	PollInterval time.Duration
}

func addSessionFlags(cmd *cobra.Command, opts *SessionOptions) {
	flags := cmd.Flags()
	flags.StringVar(&opts.ServerURL, "server", "", "Session socket base URL (default from profile or config)")
	flags.StringVar(&opts.APIURL, "api", "", "HTTP API base URL for request control")
	flags.StringVar(&opts.Profile, "profile", "", "Profile to use instead of the current one")
	flags.DurationVar(&opts.PollInterval, "poll-interval", 0, "Telemetry push interval requested from the server")
}

func NewDriveCommand() *cobra.Command {
	opts := &DriveOptions{}

	cmd := &cobra.Command{
		Use:   "drive [vehicle-id]",
		Short: "Drive a vehicle from the terminal",
		Long: `Open a session to a vehicle, request control and start its camera stream, then drive it with the keyboard:

  w / s    forward / backward
  a / d    turn left / right
  space    stop
  r        restart the video handshake
  q        quit`,
		Example: `  teleop drive rover-1 --camera front
  teleop drive --profile lab
  teleop drive rover-1 --server wss://teleop.example.com --poll-interval 500ms`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrive(cmd, opts, args)
		},
	}

	addSessionFlags(cmd, &opts.SessionOptions)
	cmd.Flags().StringVar(&opts.Camera, "camera", "", "Camera to stream (default from profile)")
	return cmd
}

// resolveSettings merges flags over the profile over config defaults.
func resolveSettings(opts SessionOptions, camera string, args []string, p *profile.Profile) (sessionSettings, error) {
	settings := sessionSettings{
		ServerURL:    config.GetServerURL(),
		APIURL:       config.GetAPIURL(),
		PollInterval: config.GetPollInterval(),
	}

	if p != nil {
		settings.Vehicle = p.Vehicle
		settings.Camera = p.Camera
		if p.ServerURL != "" {
			settings.ServerURL = p.ServerURL
		}
		if p.APIURL != "" {
			settings.APIURL = p.APIURL
		}
	}

	if len(args) > 0 && args[0] != "" {
		settings.Vehicle = args[0]
	}
	if camera != "" {
		settings.Camera = camera
	}
	if opts.ServerURL != "" {
		settings.ServerURL = opts.ServerURL
	}
	if opts.APIURL != "" {
		settings.APIURL = opts.APIURL
	}
	if opts.PollInterval > 0 {
		settings.PollInterval = opts.PollInterval
	}

	if settings.Vehicle == "" {
		return settings, errors.New("vehicle id is required: pass it as an argument or set it in a profile")
	}
	return settings, nil
}

func selectProfile(name string) (*profile.Profile, error) {
	pm, err := loadProfiles()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return pm.GetCurrent(), nil
	}
	p := pm.GetProfile(name)
	if p == nil {
		return nil, errors.Errorf(profile.ErrProfileNotFound, name)
	}
	return p, nil
}

func newController(settings sessionSettings, logger *slog.Logger, frames mailbox.FrameSink, streams signaling.StreamSink, observer session.Observer) (*session.Controller, error) {
	iceServers, err := engine.ParseICEServers(config.GetICEServers())
	if err != nil {
		return nil, err
	}
	factory, err := engine.NewFactory(engine.Config{ICEServers: iceServers, Logger: logger})
	if err != nil {
		return nil, err
	}

	dialer := transport.NewWebSocketDialer(config.GetWriteTimeout())
	dialer.Logger = logger

	return session.New(session.Options{
		Config: session.Config{
			VehicleID:      settings.Vehicle,
			CameraID:       settings.Camera,
			ServerURL:      settings.ServerURL,
			PollInterval:   settings.PollInterval,
			RenderInterval: config.GetRenderInterval(),
		},
		Dialer:                dialer,
		ControlRequester:      control.NewClient(settings.APIURL, nil),
		PeerConnectionFactory: factory.New,
		FrameSink:             frames,
		StreamSink:            streams,
		Observer:              observer,
		Logger:                logger,
	})
}

func runDrive(cmd *cobra.Command, opts *DriveOptions, args []string) error {
	p, err := selectProfile(opts.Profile)
	if err != nil {
		return err
	}
	settings, err := resolveSettings(opts.SessionOptions, opts.Camera, args, p)
	if err != nil {
		return err
	}

	// the terminal goes raw, so logs go to a per-run file
	runID := uuid.New()
	logPath := filepath.Join(os.TempDir(), "teleop-drive-"+runID.String()+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to create log file %s", logPath)
	}
	defer logFile.Close()
	util.InitLoggerWithWriter(logFile, util.IsVerbose())
	logger := util.GetLogger().With("run", runID.String())

	out := cmd.OutOrStdout()
	status := newStatusPrinter(out)
	frames := &frameCounter{}
	streams := &streamDrain{logger: logger}

	controller, err := newController(settings, logger, frames, streams, status)
	if err != nil {
		return err
	}
	defer controller.Close()

	sp := util.NewUISpinner(util.IsVerbose(), fmt.Sprintf("Connecting to %s via %s", settings.Vehicle, settings.ServerURL))
	ctx, cancel := context.WithTimeout(cmd.Context(), config.GetDialTimeout())
	err = controller.Start(ctx)
	cancel()
	if err != nil {
		sp.Fail(fmt.Sprintf("Failed to connect to %s: %v", settings.Vehicle, err))
		return err
	}
	sp.Success(fmt.Sprintf("Connected to %s (connection %s)", settings.Vehicle, controller.ConnectionID()))
	fmt.Fprintf(out, "  Logs: %s\n", logPath)
	fmt.Fprintln(out, "  Keys: w/s forward/back, a/d left/right, space stop, r restart video, q quit")

	loopErr := driveLoop(cmd.Context(), os.Stdin, controller, status)

	color.New(color.Faint).Fprintf(out, "  %s; %s\n", frames.summary(), streams.summary())
	return loopErr
}

func driveLoop(ctx context.Context, in *os.File, d driver, status *statusPrinter) error {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return errors.Wrap(err, "failed to set terminal to raw mode")
		}
		defer term.Restore(fd, oldState)
		status.setRaw(true)
		defer status.setRaw(false)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys := make(chan byte)
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := in.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				select {
				case keys <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-status.Disconnected():
			return err
		case b, ok := <-keys:
			if !ok {
				return nil
			}
			if applyKey(d, b) {
				return nil
			}
		}
	}
}
