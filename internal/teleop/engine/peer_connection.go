// Package engine builds pion peer connections for the answerer side of a video session.
package engine

import (
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/signaling"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Config contains the static peer connection configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// Factory creates peer connections sharing one pion API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// NewFactory registers the default codecs and interceptors and wires pion logging into slog.
func NewFactory(cfg Config) (*Factory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = util.GetLogger()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "failed to register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, errors.Wrap(err, "failed to register interceptors")
	}

	settings := webrtc.SettingEngine{}
	settings.LoggerFactory = NewLoggerFactory(logger)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	return &Factory{
		api:    api,
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger: logger,
	}, nil
}

// New creates a peer connection. It has the signature of signaling.PeerConnectionFactory.
func (f *Factory) New() (signaling.PeerConnection, error) {
	return f.NewPeerConnection()
}

// NewPeerConnection creates a peer connection with state logging attached.
func (f *Factory) NewPeerConnection() (*PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}

	wrapped := &PeerConnection{PeerConnection: pc, logger: f.logger}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		wrapped.logger.Debug("WebRTC connection state", "state", s.String())
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		wrapped.logger.Debug("ICE connection state", "state", s.String())
	})
	return wrapped, nil
}

// PeerConnection is a pion peer connection that accepts remote candidates before the remote
// description is set. pion rejects those; they are held here and applied once the offer lands.
type PeerConnection struct {
	*webrtc.PeerConnection
	logger *slog.Logger

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

// AddICECandidate applies candidate, or holds it until SetRemoteDescription.
func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.PeerConnection.RemoteDescription() == nil {
		pc.pending = append(pc.pending, candidate)
		pc.logger.Debug("Holding remote candidate until the offer is applied", "pending", len(pc.pending))
		return nil
	}
	return pc.PeerConnection.AddICECandidate(candidate)
}

// SetRemoteDescription applies desc and then every held candidate, in arrival order.
func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if err := pc.PeerConnection.SetRemoteDescription(desc); err != nil {
		return err
	}

	pending := pc.pending
	pc.pending = nil
	for i, candidate := range pending {
		if err := pc.PeerConnection.AddICECandidate(candidate); err != nil {
			return errors.Wrapf(err, "failed to apply held candidate %d of %d", i+1, len(pending))
		}
	}
	if len(pending) > 0 {
		pc.logger.Debug("Applied held remote candidates", "count", len(pending))
	}
	return nil
}

// Pending returns the number of candidates waiting for a remote description.
func (pc *PeerConnection) Pending() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.pending)
}
