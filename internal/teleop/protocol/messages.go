package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind is the discriminant key a message is wrapped in on the wire.
type Kind string

const (
	KindJoystick        Kind = "joystick"
	KindPointAndGo      Kind = "pointAndGo"
	KindVideoRequest    Kind = "videoRequest"
	// KindSdp carries both the server's offer and our answer; direction tells them apart.
	KindSdp             Kind = "sdpRequest"
	KindIceCandidate    Kind = "iceCandidate"
	KindConnected       Kind = "connected"
	KindSdpConfirmation Kind = "sdpConfirmation"
	KindFrame           Kind = "frame"
)

// ErrUnknownMessage is returned by Decode for a discriminant this client does not understand.
var ErrUnknownMessage = errors.New("unknown message kind")

// Message is anything that travels over the session socket.
type Message interface {
	Kind() Kind
}

// VideoRequest asks the server to start a camera stream for this connection.
type VideoRequest struct {
	Camera       string `json:"camera"`
	ConnectionID string `json:"connectionId"`
}

// SdpOffer is the server's offer; the client is always the answerer.
type SdpOffer struct {
	SDP          string `json:"sdp"`
	ConnectionID string `json:"connectionId"`
}

// SdpAnswer carries the local answer back to the server.
type SdpAnswer struct {
	SDP          string `json:"sdp"`
	ConnectionID string `json:"connectionId"`
}

// IceCandidate is a trickled candidate, in either direction.
type IceCandidate struct {
	ConnectionID  string  `json:"connectionId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Connected tells the server that media is flowing, independent of socket connectivity.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// SdpConfirmation is an informational acknowledgment from the server.
type SdpConfirmation struct{}

// Frame is a still image pushed on the telemetry path. Content is opaque to this package.
type Frame struct {
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

func (VideoRequest) Kind() Kind    { return KindVideoRequest }
func (SdpOffer) Kind() Kind        { return KindSdp }
func (SdpAnswer) Kind() Kind       { return KindSdp }
func (IceCandidate) Kind() Kind    { return KindIceCandidate }
func (Connected) Kind() Kind       { return KindConnected }
func (SdpConfirmation) Kind() Kind { return KindSdpConfirmation }
func (Frame) Kind() Kind           { return KindFrame }
func (*RawFrame) Kind() Kind       { return KindFrame }

// RawFrame is a frame whose body has not been parsed yet. Decode runs on the render tick, so
// the socket goroutine never pays for frames that get replaced before they are shown.
type RawFrame struct {
	Body json.RawMessage
}

// Decode parses the frame body.
func (f *RawFrame) Decode() (*Frame, error) {
	if f == nil || len(bytes.TrimSpace(f.Body)) == 0 {
		return nil, errors.Errorf("empty %s message", KindFrame)
	}
	frame := &Frame{}
	if err := json.Unmarshal(f.Body, frame); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s message", KindFrame)
	}
	return frame, nil
}

// Encode wraps msg in its discriminant key: {"<kind>": <body>}.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	data, err := json.Marshal(map[Kind]Message{msg.Kind(): msg})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s message", msg.Kind())
	}
	return data, nil
}

// Split parses only the envelope and returns the discriminant with the untouched body.
func Split(data []byte) (Kind, json.RawMessage, error) {
	var envelope map[Kind]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, errors.Wrap(err, "failed to parse message envelope")
	}
	if len(envelope) != 1 {
		return "", nil, errors.Errorf("message envelope must have exactly one key, got %d", len(envelope))
	}
	for kind, body := range envelope {
		return kind, body, nil
	}
	return "", nil, ErrUnknownMessage
}

// Decode parses a single-key envelope as received by this client. An sdpRequest is always an
// SdpOffer. Frames come back as *RawFrame with the body left for the consumer to decode; every
// other kind is returned by value.
func Decode(data []byte) (Message, error) {
	kind, body, err := Split(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindJoystick:
		return decodeBody[Joystick](kind, body)
	case KindPointAndGo:
		return decodeBody[PointAndGo](kind, body)
	case KindVideoRequest:
		return decodeBody[VideoRequest](kind, body)
	case KindSdp:
		return decodeBody[SdpOffer](kind, body)
	case KindIceCandidate:
		return decodeBody[IceCandidate](kind, body)
	case KindConnected:
		return decodeBody[Connected](kind, body)
	case KindSdpConfirmation:
		// body carries nothing we use; servers send {}, true or null
		return SdpConfirmation{}, nil
	case KindFrame:
		return &RawFrame{Body: body}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "%q", string(kind))
	}
}

// Kinds lists every discriminant this client reads or writes.
func Kinds() []Kind {
	return []Kind{
		KindJoystick,
		KindPointAndGo,
		KindVideoRequest,
		KindSdp,
		KindIceCandidate,
		KindConnected,
		KindSdpConfirmation,
		KindFrame,
	}
}

func decodeBody[T Message](kind Kind, body json.RawMessage) (Message, error) {
	var msg T
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return nil, errors.Errorf("empty %s message", kind)
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s message", kind)
	}
	return msg, nil
}
