package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/signaling"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/transport"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

const testOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// events records the teardown order across collaborators.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, event)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeSocket struct {
	mu      sync.Mutex
	sent    []protocol.Message
	closed  bool
	onClose func()
}

func (s *fakeSocket) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.onClose != nil {
		s.onClose()
	}
	s.closed = true
	return nil
}

func (s *fakeSocket) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.sent...)
}

func (s *fakeSocket) answers() int {
	n := 0
	for _, msg := range s.messages() {
		if _, ok := msg.(protocol.SdpAnswer); ok {
			n++
		}
	}
	return n
}

func (s *fakeSocket) count(kind protocol.Kind) int {
	n := 0
	for _, msg := range s.messages() {
		if msg.Kind() == kind {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	socket  *fakeSocket
	url     string
	handler transport.Handler
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, handler transport.Handler) (transport.Socket, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.url = rawURL
	d.handler = handler
	return d.socket, nil
}

type fakePeerConnection struct {
	mu          sync.Mutex
	onCandidate func(*webrtc.ICECandidate)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	candidates  []string
	closed      bool
	onClose     func()
}

func (f *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onCandidate = fn }

func (f *fakePeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}

func (f *fakePeerConnection) SetRemoteDescription(webrtc.SessionDescription) error { return nil }

func (f *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePeerConnection) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate.Candidate)
	return nil
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed && f.onClose != nil {
		f.onClose()
	}
	f.closed = true
	return nil
}

func (f *fakePeerConnection) applied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakePeerConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeRequester struct {
	mu       sync.Mutex
	vehicles []string
	err      error
}

func (r *fakeRequester) RequestControl(_ context.Context, vehicleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vehicles = append(r.vehicles, vehicleID)
	return r.err
}

type fakeObserver struct {
	mu           sync.Mutex
	states       []signaling.State
	disconnected []error
}

func (o *fakeObserver) OnSignalingState(state signaling.State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *fakeObserver) OnDisconnected(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = append(o.disconnected, err)
}

func (o *fakeObserver) disconnects() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.disconnected)
}

// recordingClock notes when the render ticker is stopped.
type recordingClock struct {
	*testingclock.FakeClock
	events *events
}

func (c recordingClock) NewTicker(d time.Duration) clock.Ticker {
	return recordingTicker{Ticker: c.FakeClock.NewTicker(d), events: c.events}
}

type recordingTicker struct {
	clock.Ticker
	events *events
}

func (t recordingTicker) Stop() {
	t.Ticker.Stop()
	t.events.add("render tick stopped")
}

type harness struct {
	controller *Controller
	dialer     *fakeDialer
	requester  *fakeRequester
	observer   *fakeObserver
	clock      *testingclock.FakeClock
	events     *events

	mu       sync.Mutex
	pcs      []*fakePeerConnection
	rendered []string
}

func (h *harness) pc() *fakePeerConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pcs) == 0 {
		return nil
	}
	return h.pcs[len(h.pcs)-1]
}

func (h *harness) peerConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pcs)
}

func (h *harness) frames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.rendered...)
}

func (h *harness) receive(t *testing.T, raw string) {
	require.NotNil(t, h.dialer.handler)
	h.dialer.handler.HandleMessage([]byte(raw))
}

func newHarness(t *testing.T, camera string) *harness {
	h := &harness{
		requester: &fakeRequester{},
		observer:  &fakeObserver{},
		clock:     testingclock.NewFakeClock(time.Now()),
		events:    &events{},
	}
	h.dialer = &fakeDialer{socket: &fakeSocket{onClose: func() {
		// a frame that arrives now must never reach the sink
		if h.dialer.handler != nil {
			h.dialer.handler.HandleMessage([]byte(`{"frame":{"encoding":"image/jpeg","content":"late"}}`))
			h.clock.Step(30 * time.Millisecond)
		}
		h.events.add("socket closed")
	}}}

	controller, err := New(Options{
		Config: Config{
			VehicleID:    "rover-1",
			CameraID:     camera,
			ServerURL:    "ws://teleop.example.com",
			PollInterval: 150 * time.Millisecond,
		},
		Dialer:           h.dialer,
		ControlRequester: h.requester,
		PeerConnectionFactory: func() (signaling.PeerConnection, error) {
			pc := &fakePeerConnection{onClose: func() { h.events.add("peer connection closed") }}
			h.mu.Lock()
			h.pcs = append(h.pcs, pc)
			h.mu.Unlock()
			return pc, nil
		},
		FrameSink: frameSink(func(f *protocol.Frame) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.rendered = append(h.rendered, f.Content)
		}),
		Observer: h.observer,
		Clock:    recordingClock{FakeClock: h.clock, events: h.events},
	})
	require.NoError(t, err)
	h.controller = controller
	t.Cleanup(func() { controller.Close() })
	return h
}

type frameSink func(f *protocol.Frame)

func (s frameSink) RenderFrame(f *protocol.Frame) { s(f) }

func TestNewValidatesOptions(t *testing.T) {
	factory := func() (signaling.PeerConnection, error) { return &fakePeerConnection{}, nil }

	tests := []struct {
		name string
		opts Options
	}{
		{"missing vehicle", Options{Config: Config{ServerURL: "ws://x"}, Dialer: &fakeDialer{}, PeerConnectionFactory: factory}},
		{"missing server", Options{Config: Config{VehicleID: "v"}, Dialer: &fakeDialer{}, PeerConnectionFactory: factory}},
		{"missing dialer", Options{Config: Config{VehicleID: "v", ServerURL: "ws://x"}, PeerConnectionFactory: factory}},
		{"missing factory", Options{Config: Config{VehicleID: "v", ServerURL: "ws://x"}, Dialer: &fakeDialer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestStartRequestsControlAndVideo(t *testing.T) {
	h := newHarness(t, "front")
	require.NoError(t, h.controller.Start(context.Background()))

	assert.Equal(t, []string{"rover-1"}, h.requester.vehicles)
	assert.Equal(t, "ws://teleop.example.com/vehicles/rover-1/subscribe?pollInterval=150ms", h.dialer.url)

	require.Eventually(t, func() bool {
		return h.controller.SignalingState() == signaling.Requesting
	}, 5*time.Second, 5*time.Millisecond)

	sent := h.dialer.socket.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.VideoRequest{Camera: "front", ConnectionID: h.controller.ConnectionID()}, sent[0])

	assert.Error(t, h.controller.Start(context.Background()), "a session starts once")
}

func TestHandshakeOverSocket(t *testing.T) {
	h := newHarness(t, "front")
	require.NoError(t, h.controller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.pc() != nil }, 5*time.Second, 5*time.Millisecond)

	id := h.controller.ConnectionID()
	h.receive(t, fmt.Sprintf(`{"sdpRequest":{"sdp":%q,"connectionId":%q}}`, testOffer, id))
	h.receive(t, fmt.Sprintf(`{"iceCandidate":{"connectionId":%q,"candidate":"candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host","sdpMid":"0","sdpMLineIndex":0}}`, id))
	h.receive(t, fmt.Sprintf(`{"iceCandidate":{"connectionId":%q,"candidate":"candidate:2 1 udp 1694498815 203.0.113.7 50001 typ srflx raddr 192.168.1.10 rport 50000"}}`, id))
	h.receive(t, `{"sdpConfirmation":{}}`)

	require.Eventually(t, func() bool {
		return h.controller.SignalingState() == signaling.Connected
	}, 5*time.Second, 5*time.Millisecond)

	assert.Len(t, h.pc().applied(), 2)
	assert.Equal(t, 1, h.dialer.socket.answers())

	sent := h.dialer.socket.messages()
	require.Len(t, sent, 2)
	assert.IsType(t, protocol.VideoRequest{}, sent[0])
	answer, ok := sent[1].(protocol.SdpAnswer)
	require.True(t, ok)
	assert.Equal(t, id, answer.ConnectionID)

	data, err := protocol.Encode(answer)
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"sdpRequest":`)
}

func TestConnectionIDStableWithinSession(t *testing.T) {
	h := newHarness(t, "front")
	require.NoError(t, h.controller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.pc() != nil }, 5*time.Second, 5*time.Millisecond)

	h.receive(t, fmt.Sprintf(`{"sdpRequest":{"sdp":%q}}`, testOffer))
	require.Eventually(t, func() bool {
		return h.dialer.socket.answers() == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.pc().onCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.168.1.2",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       5000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
	h.pc().onTrack(&webrtc.TrackRemote{}, nil)
	require.Eventually(t, func() bool {
		return h.dialer.socket.count(protocol.KindConnected) == 1
	}, 5*time.Second, 5*time.Millisecond)

	id := h.controller.ConnectionID()
	assert.Len(t, id, ConnectionIDLength)
	for _, msg := range h.dialer.socket.messages() {
		switch m := msg.(type) {
		case protocol.VideoRequest:
			assert.Equal(t, id, m.ConnectionID)
		case protocol.SdpAnswer:
			assert.Equal(t, id, m.ConnectionID)
		case protocol.IceCandidate:
			assert.Equal(t, id, m.ConnectionID)
		case protocol.Connected:
			assert.Equal(t, id, m.ConnectionID)
		default:
			t.Fatalf("unexpected message %T", msg)
		}
	}

	other := newHarness(t, "front")
	assert.NotEqual(t, id, other.controller.ConnectionID())
}

func TestFrameBurstRendersLastOnce(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.controller.Start(context.Background()))

	for i := 0; i < 50; i++ {
		h.receive(t, fmt.Sprintf(`{"frame":{"encoding":"image/jpeg","content":"frame-%d"}}`, i))
	}
	h.clock.Step(30 * time.Millisecond)

	require.Eventually(t, func() bool { return len(h.frames()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"frame-49"}, h.frames())

	stats := h.controller.FrameStats()
	assert.Equal(t, uint64(50), stats.Received)
	assert.Equal(t, uint64(49), stats.Replaced)

	// telemetry only: no video was requested
	assert.Empty(t, h.dialer.socket.messages())
	assert.Equal(t, signaling.Idle, h.controller.SignalingState())
}

func TestControlFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, "")
	h.requester.err = &teleop.ControlRequestError{VehicleID: "rover-1", StatusCode: 409, Err: errors.New("taken")}

	require.NoError(t, h.controller.Start(context.Background()))
	h.controller.SendCommand(protocol.ButtonPress(protocol.ButtonForward))

	assert.Equal(t, []protocol.Message{protocol.Joystick{LinearVelocity: 0.15}}, h.dialer.socket.messages())
}

func TestSendCommandWithoutSocket(t *testing.T) {
	h := newHarness(t, "")

	assert.NotPanics(t, func() {
		h.controller.SendCommand(protocol.ButtonPress(protocol.ButtonLeft))
		h.controller.SendCommand(nil)
	})
	assert.Empty(t, h.dialer.socket.messages())

	require.NoError(t, h.controller.Start(context.Background()))
	cmd, err := protocol.PointAndGoAt(130, 100, 260, 200)
	require.NoError(t, err)
	h.controller.SendCommand(cmd)
	assert.Equal(t, []protocol.Message{protocol.PointAndGo{ImageX: 0.5, ImageY: 0.5}}, h.dialer.socket.messages())

	require.NoError(t, h.controller.Close())
	h.controller.SendCommand(protocol.ButtonPress(protocol.ButtonStop))
	assert.Len(t, h.dialer.socket.messages(), 1)
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, "front")
	h.dialer.err = &teleop.TransportError{Op: "dial", URL: "ws://teleop.example.com", Err: errors.New("connection refused")}

	err := h.controller.Start(context.Background())
	var transportErr *teleop.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.NoError(t, h.controller.Close())
}

func TestDisconnectIsObserved(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.controller.Start(context.Background()))

	h.dialer.handler.HandleDisconnect(&teleop.TransportError{Op: "read", Err: errors.New("EOF")})
	require.Eventually(t, func() bool { return h.observer.disconnects() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestRequestVideoReplacesPeerConnection(t *testing.T) {
	h := newHarness(t, "front")
	require.NoError(t, h.controller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.peerConnections() == 1 }, 5*time.Second, 5*time.Millisecond)
	first := h.pc()

	require.NoError(t, h.controller.RequestVideo("rear"))
	require.Eventually(t, func() bool { return h.peerConnections() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())

	require.NoError(t, h.controller.RestartVideo())
	require.Eventually(t, func() bool { return h.peerConnections() == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.dialer.socket.count(protocol.KindVideoRequest) == 3 }, 5*time.Second, 5*time.Millisecond)

	sent := h.dialer.socket.messages()
	assert.Equal(t, "rear", sent[len(sent)-1].(protocol.VideoRequest).Camera)
}

func TestCloseOrder(t *testing.T) {
	h := newHarness(t, "front")
	require.NoError(t, h.controller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.pc() != nil }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.controller.Close())
	assert.Equal(t, []string{"render tick stopped", "socket closed", "peer connection closed"}, h.events.list())
	assert.Equal(t, signaling.Idle, h.controller.SignalingState())

	// the frame published while the socket closed never reaches the sink
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.frames())
	assert.Equal(t, uint64(1), h.controller.FrameStats().Received)

	// idempotent
	require.NoError(t, h.controller.Close())
	assert.Len(t, h.events.list(), 3)

	assert.ErrorIs(t, h.controller.RequestVideo("front"), ErrClosed)
	assert.ErrorIs(t, h.controller.Start(context.Background()), ErrClosed)
}
