// Package session ties the socket, the frame mailbox and the media handshake into one operator
// session with a single lifecycle.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/control"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/mailbox"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/signaling"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/transport"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// ConnectionIDLength is the length of the random token identifying a session to the server.
const ConnectionIDLength = 32

// ErrClosed is returned when a closed controller is asked to do something.
var ErrClosed = errors.New("session closed")

// Config identifies the vehicle and the server endpoints of a session.
type Config struct {
	VehicleID string
	// CameraID is requested right after connecting. Empty means telemetry only until
	// RequestVideo is called.
	CameraID       string
	ServerURL      string
	PollInterval   time.Duration
	RenderInterval time.Duration
}

// Observer is told about the conditions a UI has to surface. Calls are serialized.
type Observer interface {
	OnSignalingState(state signaling.State, err error)
	OnDisconnected(err error)
}

// Options are the collaborators of a Controller. Dialer and PeerConnectionFactory are required.
type Options struct {
	Config

	Dialer                transport.Dialer
	ControlRequester      control.Requester
	PeerConnectionFactory signaling.PeerConnectionFactory
	FrameSink             mailbox.FrameSink
	StreamSink            signaling.StreamSink
	Observer              Observer
	Logger                *slog.Logger
	Clock                 clock.WithTicker
}

// Controller owns one operator session. Signaling runs on a private event loop; frames go
// straight from the socket goroutine into the mailbox.
type Controller struct {
	opts         Options
	connectionID string
	logger       *slog.Logger

	loop     *loop
	mailbox  *mailbox.Mailbox
	renderer *mailbox.Renderer
	machine  *signaling.Machine

	mu      sync.Mutex
	socket  transport.Socket
	started bool
	closed  bool
}

// New creates a controller with a fresh connection id. Nothing touches the network until Start.
func New(opts Options) (*Controller, error) {
	if opts.VehicleID == "" {
		return nil, errors.New("vehicle id is required")
	}
	if opts.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.PeerConnectionFactory == nil {
		return nil, errors.New("peer connection factory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = util.GetLogger()
	}

	c := &Controller{
		opts:         opts,
		connectionID: uniuri.NewLen(ConnectionIDLength),
		loop:         newLoop(),
		mailbox:      mailbox.New(),
	}
	c.logger = logger.With("vehicle", opts.VehicleID, "connection", c.connectionID)

	if opts.FrameSink != nil {
		renderOpts := []mailbox.RendererOption{
			mailbox.WithInterval(opts.RenderInterval),
			mailbox.WithLogger(c.logger),
		}
		if opts.Clock != nil {
			renderOpts = append(renderOpts, mailbox.WithClock(opts.Clock))
		}
		c.renderer = mailbox.NewRenderer(c.mailbox, opts.FrameSink, renderOpts...)
	}

	machine, err := signaling.New(signaling.Config{
		ConnectionID:      c.connectionID,
		Send:              c.send,
		NewPeerConnection: opts.PeerConnectionFactory,
		Post:              func(f func()) { c.loop.Post(f) },
		Display:           opts.StreamSink,
		OnStateChange:     c.notifyState,
		Logger:            logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signaling state machine")
	}
	c.machine = machine
	return c, nil
}

// ConnectionID returns the token sent on every signaling message of this session.
func (c *Controller) ConnectionID() string {
	return c.connectionID
}

// SignalingState is safe to call from any goroutine.
func (c *Controller) SignalingState() signaling.State {
	return c.machine.State()
}

// FrameStats reports how many frames arrived and how many were replaced before rendering.
func (c *Controller) FrameStats() mailbox.Stats {
	return c.mailbox.Stats()
}

// Start requests control, opens the socket and starts the render tick. When a camera is
// configured the video request is queued as well. A controller can only be started once; after
// a failed Start, Close it and create a new one.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("session already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.opts.ControlRequester != nil {
		if err := c.opts.ControlRequester.RequestControl(ctx, c.opts.VehicleID); err != nil {
			// commands may still be rejected server-side, the session goes on
			c.logger.Warn("Request control failed", "error", err)
		} else {
			c.logger.Info("Control granted")
		}
	}

	url, err := transport.SubscribeURL(c.opts.ServerURL, c.opts.VehicleID, c.opts.PollInterval)
	if err != nil {
		return err
	}

	c.loop.start()
	socket, err := c.opts.Dialer.Dial(ctx, url, c)
	if err != nil {
		c.logger.Error("Failed to connect", "url", url, "error", err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		socket.Close()
		return ErrClosed
	}
	c.socket = socket
	c.mu.Unlock()
	c.logger.Info("Session connected", "url", url)

	if c.renderer != nil {
		c.renderer.Start()
	}
	if c.opts.CameraID != "" {
		return c.RequestVideo(c.opts.CameraID)
	}
	return nil
}

// HandleMessage routes one inbound message. It runs on the socket read goroutine and only
// stores or posts: frame bodies stay raw until the render tick decodes them.
func (c *Controller) HandleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("Dropping unreadable message", "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.RawFrame:
		c.mailbox.Publish(m)
	case protocol.SdpOffer:
		c.loop.Post(func() { c.machine.HandleOffer(m) })
	case protocol.IceCandidate:
		c.loop.Post(func() { c.machine.HandleRemoteCandidate(m) })
	case protocol.SdpConfirmation:
		c.loop.Post(c.machine.HandleConfirmation)
	default:
		c.logger.Debug("Ignoring message", "kind", msg.Kind())
	}
}

// HandleDisconnect is called once when the server side goes away. There is no reconnect; the
// observer decides what to do.
func (c *Controller) HandleDisconnect(err error) {
	c.logger.Warn("Session disconnected", "error", err)
	c.loop.Post(func() {
		if c.opts.Observer != nil {
			c.opts.Observer.OnDisconnected(err)
		}
	})
}

// SendCommand sends cmd if the socket is open. It never fails to the caller; drops are logged.
func (c *Controller) SendCommand(cmd protocol.Command) {
	if cmd == nil {
		return
	}
	if err := c.send(cmd); err != nil {
		c.logger.Warn("Command dropped", "kind", cmd.Kind(), "error", err)
	}
}

// RequestVideo starts a fresh handshake for cameraID. An existing peer connection is replaced.
func (c *Controller) RequestVideo(cameraID string) error {
	if !c.loop.Post(func() { c.machine.Start(cameraID) }) {
		return ErrClosed
	}
	return nil
}

// RestartVideo renegotiates with the camera of the last request, which is how a FAILED
// handshake is retried.
func (c *Controller) RestartVideo() error {
	if !c.loop.Post(func() {
		camera := c.machine.Camera()
		if camera == "" {
			camera = c.opts.CameraID
		}
		c.machine.Start(camera)
	}) {
		return ErrClosed
	}
	return nil
}

// Close stops the render tick, closes the socket and then the peer connection, so nothing
// fires against a disposed collaborator. It is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()

	if c.renderer != nil {
		c.renderer.Stop()
	}

	var err error
	if socket != nil {
		if closeErr := socket.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close socket")
		}
	}

	closeMachine := func() {
		if closeErr := c.machine.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if !c.loop.Do(closeMachine) {
		closeMachine()
	}
	c.loop.Stop()

	stats := c.mailbox.Stats()
	c.logger.Info("Session closed", "frames", stats.Received, "dropped", stats.Replaced)
	return err
}

func (c *Controller) send(msg protocol.Message) error {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()

	if socket == nil {
		return transport.ErrClosed
	}
	return socket.Send(msg)
}

func (c *Controller) notifyState(state signaling.State, err error) {
	if c.opts.Observer != nil {
		c.opts.Observer.OnSignalingState(state, err)
	}
}
