package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/signaling"
	"github.com/fatih/color"
	"github.com/pion/webrtc/v4"
)

type keyAction int

const (
	keyNone keyAction = iota
	keyDrive
	keyRestartVideo
	keyQuit
)

// parseKey maps a raw terminal byte to a drive action.
func parseKey(b byte) (keyAction, protocol.Button) {
	switch b {
	case 'w', 'W':
		return keyDrive, protocol.ButtonForward
	case 's', 'S':
		return keyDrive, protocol.ButtonBackward
	case 'a', 'A':
		return keyDrive, protocol.ButtonLeft
	case 'd', 'D':
		return keyDrive, protocol.ButtonRight
	case ' ':
		return keyDrive, protocol.ButtonStop
	case 'r', 'R':
		return keyRestartVideo, protocol.ButtonStop
	case 'q', 'Q', 3, 4: // Ctrl-C and Ctrl-D arrive as bytes in raw mode
		return keyQuit, protocol.ButtonStop
	default:
		return keyNone, protocol.ButtonStop
	}
}

type driver interface {
	SendCommand(cmd protocol.Command)
	RestartVideo() error
}

// applyKey performs the action bound to b and reports whether the operator asked to quit.
func applyKey(d driver, b byte) bool {
	action, button := parseKey(b)
	switch action {
	case keyDrive:
		d.SendCommand(protocol.ButtonPress(button))
	case keyRestartVideo:
		d.RestartVideo()
	case keyQuit:
		d.SendCommand(protocol.ButtonPress(protocol.ButtonStop))
		return true
	}
	return false
}

// statusPrinter surfaces signaling and disconnect events on the terminal.
type statusPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	newline string

	disconnected chan error
	once         sync.Once
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{
		out:          out,
		newline:      "\n",
		disconnected: make(chan error, 1),
	}
}

// setRaw switches to CRLF line endings while the terminal is in raw mode.
func (p *statusPrinter) setRaw(raw bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if raw {
		p.newline = "\r\n"
	} else {
		p.newline = "\n"
	}
}

func (p *statusPrinter) println(c *color.Color, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.Fprint(p.out, fmt.Sprintf(format, args...))
	fmt.Fprint(p.out, p.newline)
}

func (p *statusPrinter) OnSignalingState(state signaling.State, err error) {
	switch state {
	case signaling.Connected:
		p.println(color.New(color.FgGreen), "  ● video %s", state)
	case signaling.Failed:
		p.println(color.New(color.FgRed), "  ✗ video %s: %v (press r to retry)", state, err)
	default:
		p.println(color.New(color.FgYellow), "  ○ video %s", state)
	}
}

func (p *statusPrinter) OnDisconnected(err error) {
	p.println(color.New(color.FgRed, color.Bold), "  ✗ disconnected: %v", err)
	p.once.Do(func() {
		p.disconnected <- err
		close(p.disconnected)
	})
}

// Disconnected yields the disconnect error once the server side goes away.
func (p *statusPrinter) Disconnected() <-chan error {
	return p.disconnected
}

// frameCounter stands in for a display: frames are counted, never decoded.
type frameCounter struct {
	frames atomic.Uint64
	bytes  atomic.Uint64
	last   atomic.Value
}

func (f *frameCounter) RenderFrame(frame *protocol.Frame) {
	f.frames.Add(1)
	f.bytes.Add(uint64(len(frame.Content)))
	f.last.Store(frame.Encoding)
}

func (f *frameCounter) summary() string {
	encoding, _ := f.last.Load().(string)
	if encoding == "" {
		encoding = "none"
	}
	return fmt.Sprintf("%d frames rendered (%d bytes, last %s)", f.frames.Load(), f.bytes.Load(), encoding)
}

// streamDrain reads remote RTP so the engine's buffers and interceptors keep flowing.
type streamDrain struct {
	logger  *slog.Logger
	tracks  atomic.Int32
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *streamDrain) AttachStream(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track == nil {
		return
	}
	s.tracks.Add(1)

	go func() {
		for {
			packet, _, err := track.ReadRTP()
			if err != nil {
				s.logger.Debug("Remote track ended", "track", track.ID(), "error", err)
				return
			}
			s.packets.Add(1)
			s.bytes.Add(uint64(len(packet.Payload)))
		}
	}()

	if receiver != nil {
		go func() {
			for {
				if _, _, err := receiver.ReadRTCP(); err != nil {
					return
				}
			}
		}()
	}
}

func (s *streamDrain) summary() string {
	return fmt.Sprintf("%d tracks, %d RTP packets (%d payload bytes)", s.tracks.Load(), s.packets.Load(), s.bytes.Load())
}
