// Package signaling drives the answerer side of the media handshake over the session socket.
package signaling

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// PeerConnection is the part of the media engine the handshake drives. *webrtc.PeerConnection
// satisfies it.
type PeerConnection interface {
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	SetRemoteDescription(desc webrtc.SessionDescription) error
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// PeerConnectionFactory creates a fresh handle for every video request.
type PeerConnectionFactory func() (PeerConnection, error)

// StreamSink is the display collaborator remote media is bound to.
type StreamSink interface {
	AttachStream(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Config wires a Machine to its collaborators.
type Config struct {
	ConnectionID      string
	Send              func(msg protocol.Message) error
	NewPeerConnection PeerConnectionFactory
	// Post schedules f on the goroutine that owns the Machine. Engine callbacks go through it.
	// When nil they run inline.
	Post          func(f func())
	Display       StreamSink
	OnStateChange func(state State, err error)
	Logger        *slog.Logger
}

// Machine is not safe for concurrent use: every method except State must be called from the
// goroutine Config.Post schedules on.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32
	err   error

	pc             PeerConnection
	generation     uint64
	camera         string
	streamAttached bool
}

// New validates cfg and returns a machine in IDLE.
func New(cfg Config) (*Machine, error) {
	if cfg.ConnectionID == "" {
		return nil, errors.New("connection id is required")
	}
	if cfg.Send == nil {
		return nil, errors.New("send function is required")
	}
	if cfg.NewPeerConnection == nil {
		return nil, errors.New("peer connection factory is required")
	}
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Machine{
		cfg:    cfg,
		logger: logger.With("connection", cfg.ConnectionID),
	}, nil
}

// State is safe to read from any goroutine.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Err returns the failure that moved the machine to FAILED, if any.
func (m *Machine) Err() error {
	return m.err
}

// Camera returns the camera of the current video request.
func (m *Machine) Camera() string {
	return m.camera
}

// Start creates a fresh peer connection and sends the video request. An existing handle is
// closed first, so calling Start again renegotiates from scratch.
func (m *Machine) Start(cameraID string) error {
	m.release()
	m.err = nil
	m.camera = cameraID

	pc, err := m.cfg.NewPeerConnection()
	if err != nil {
		return m.fail("create peer connection", err)
	}

	m.generation++
	generation := m.generation
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		m.cfg.Post(func() { m.handleLocalCandidate(generation, candidate) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.cfg.Post(func() { m.handleTrack(generation, track, receiver) })
	})
	m.pc = pc

	m.setState(Requesting)
	if err := m.cfg.Send(protocol.VideoRequest{Camera: cameraID, ConnectionID: m.cfg.ConnectionID}); err != nil {
		return m.fail("send video request", err)
	}
	m.logger.Info("Video requested", "camera", cameraID)
	return nil
}

// HandleOffer applies a server offer and answers it. Offers are accepted in every live state so
// a renegotiation after CONNECTED goes through the same path.
func (m *Machine) HandleOffer(offer protocol.SdpOffer) error {
	if !m.addressed(offer.ConnectionID) {
		m.logger.Debug("Ignoring offer for another connection", "target", offer.ConnectionID)
		return nil
	}
	if !m.State().live() {
		m.logger.Warn("Ignoring offer without an active video request", "state", m.State())
		return nil
	}

	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(offer.SDP); err != nil {
		return m.fail("parse offer", err)
	}
	m.logger.Debug("Offer received", "media", len(parsed.MediaDescriptions), "renegotiation", m.streamAttached)

	m.setState(OfferPending)
	if err := m.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return m.fail("set remote description", err)
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return m.fail("create answer", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return m.fail("set local description", err)
	}
	if err := m.cfg.Send(protocol.SdpAnswer{SDP: answer.SDP, ConnectionID: m.cfg.ConnectionID}); err != nil {
		return m.fail("send answer", err)
	}
	m.setState(AnswerSent)
	m.logger.Debug("Answer sent")

	// the existing stream keeps flowing across a renegotiation
	if m.streamAttached {
		m.setState(Connected)
	}
	return nil
}

// HandleRemoteCandidate applies a trickled candidate straight away, whatever the SDP progress.
func (m *Machine) HandleRemoteCandidate(candidate protocol.IceCandidate) error {
	if !m.addressed(candidate.ConnectionID) {
		m.logger.Debug("Ignoring candidate for another connection", "target", candidate.ConnectionID)
		return nil
	}
	if !m.State().live() {
		m.logger.Warn("Ignoring candidate without an active video request", "state", m.State())
		return nil
	}

	if value := strings.TrimPrefix(candidate.Candidate, "candidate:"); value != "" {
		if _, err := ice.UnmarshalCandidate(value); err != nil {
			return m.fail("parse candidate", err)
		}
	}

	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		return m.fail("add candidate", err)
	}
	m.logger.Debug("Remote candidate applied", "state", m.State())

	if m.State() == AnswerSent {
		m.setState(ICEExchanging)
	}
	return nil
}

// HandleConfirmation marks the handshake acknowledged by the server.
func (m *Machine) HandleConfirmation() {
	if !m.State().live() {
		m.logger.Debug("Ignoring sdp confirmation", "state", m.State())
		return
	}
	m.setState(Connected)
}

// Close releases the peer connection and returns to IDLE.
func (m *Machine) Close() error {
	err := m.release()
	m.err = nil
	m.setState(Idle)
	return err
}

func (m *Machine) handleLocalCandidate(generation uint64, candidate *webrtc.ICECandidate) {
	if generation != m.generation || !m.State().live() {
		return
	}
	// nil marks the end of local gathering
	if candidate == nil {
		m.logger.Debug("Local candidate gathering complete")
		return
	}

	init := candidate.ToJSON()
	msg := protocol.IceCandidate{
		ConnectionID:  m.cfg.ConnectionID,
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
	if err := m.cfg.Send(msg); err != nil {
		m.logger.Warn("Failed to forward local candidate", "error", err)
	}
}

func (m *Machine) handleTrack(generation uint64, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if generation != m.generation || !m.State().live() {
		return
	}

	if !m.streamAttached {
		m.streamAttached = true
		if err := m.cfg.Send(protocol.Connected{ConnectionID: m.cfg.ConnectionID}); err != nil {
			m.logger.Warn("Failed to send connected", "error", err)
		}
	}
	if track != nil {
		m.logger.Info("Remote stream attached", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	}
	if m.cfg.Display != nil {
		m.cfg.Display.AttachStream(track, receiver)
	}
	m.setState(Connected)
}

func (m *Machine) addressed(connectionID string) bool {
	return connectionID == "" || connectionID == m.cfg.ConnectionID
}

func (m *Machine) release() error {
	m.generation++
	m.streamAttached = false
	if m.pc == nil {
		return nil
	}
	pc := m.pc
	m.pc = nil
	if err := pc.Close(); err != nil {
		m.logger.Warn("Failed to close peer connection", "error", err)
		return errors.Wrap(err, "failed to close peer connection")
	}
	return nil
}

func (m *Machine) fail(op string, err error) error {
	m.err = &teleop.SignalingError{State: m.State().String(), Op: op, Err: err}
	m.logger.Error("Signaling failed", "op", op, "state", m.State(), "error", err)
	m.setState(Failed)
	return m.err
}

func (m *Machine) setState(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	m.logger.Debug("Signaling state changed", "from", prev, "to", next)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(next, m.err)
	}
}
