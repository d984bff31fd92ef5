package mailbox

import (
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"k8s.io/utils/clock"
)

// DefaultInterval is the render tick period.
const DefaultInterval = 30 * time.Millisecond

// FrameSink is the UI collaborator that decodes and paints frames.
type FrameSink interface {
	RenderFrame(frame *protocol.Frame)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame *protocol.Frame)

func (f FrameSinkFunc) RenderFrame(frame *protocol.Frame) { f(frame) }

// Renderer polls a Mailbox on a fixed tick and hands at most one frame per tick to the sink,
// which bounds render cost regardless of the inbound message rate.
type Renderer struct {
	mailbox  *Mailbox
	sink     FrameSink
	clock    clock.WithTicker
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.WithTicker) RendererOption {
	return func(r *Renderer) { r.clock = c }
}

// WithInterval sets the tick period.
func WithInterval(d time.Duration) RendererOption {
	return func(r *Renderer) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RendererOption {
	return func(r *Renderer) { r.logger = l }
}

// NewRenderer creates a renderer. It does nothing until Start is called.
func NewRenderer(mailbox *Mailbox, sink FrameSink, opts ...RendererOption) *Renderer {
	r := &Renderer{
		mailbox:  mailbox,
		sink:     sink,
		clock:    clock.RealClock{},
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = util.GetLogger()
	}
	return r
}

// Tick runs a single poll and reports whether a frame was rendered. The frame body is decoded
// here; an unreadable frame is dropped.
func (r *Renderer) Tick() bool {
	raw, ok := r.mailbox.ConsumeIfNew()
	if !ok {
		return false
	}
	frame, err := raw.Decode()
	if err != nil {
		r.logger.Debug("Dropping unreadable frame", "error", err)
		return false
	}
	r.sink.RenderFrame(frame)
	return true
}

// Start registers the tick. Calling Start on a running renderer is a no-op.
func (r *Renderer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})

	ticker := r.clock.NewTicker(r.interval)
	go r.run(ticker, r.stop, r.stopped)
	r.logger.Debug("Render tick started", "interval", r.interval)
}

func (r *Renderer) run(ticker clock.Ticker, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			r.Tick()
		}
	}
}

// Stop unregisters the tick and waits until no render is in progress.
func (r *Renderer) Stop() {
	r.mu.Lock()
	stop, stopped := r.stop, r.stopped
	r.stop, r.stopped = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped

	stats := r.mailbox.Stats()
	r.logger.Debug("Render tick stopped", "received", stats.Received, "replaced", stats.Replaced)
}
