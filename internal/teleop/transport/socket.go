package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrClosed is returned by Send after the socket has been closed locally or by the peer.
var ErrClosed = errors.New("socket closed")

// Handler receives everything the socket reads. HandleMessage runs on the socket's read
// goroutine and must only store data: it has to return in constant time so the read loop keeps
// draining the connection.
type Handler interface {
	HandleMessage(data []byte)
	HandleDisconnect(err error)
}

// Socket is a full-duplex JSON message channel to the server.
type Socket interface {
	Send(msg protocol.Message) error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, handler Handler) (Socket, error)
}

// WebSocketDialer dials the server over gorilla/websocket.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewWebSocketDialer returns a dialer using websocket.DefaultDialer settings.
func NewWebSocketDialer(writeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: writeTimeout,
	}
}

// Dial connects and starts the read loop. Unreachable hosts surface as *teleop.TransportError.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, handler Handler) (Socket, error) {
	if handler == nil {
		return nil, errors.New("socket handler is required")
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = util.GetLogger()
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			err = errors.Wrapf(err, "server respond %d", resp.StatusCode)
		}
		return nil, &teleop.TransportError{Op: "dial", URL: rawURL, Err: err}
	}

	s := &wsSocket{
		conn:         conn,
		url:          rawURL,
		handler:      handler,
		writeTimeout: d.WriteTimeout,
		logger:       logger.With("url", rawURL),
		done:         make(chan struct{}),
	}
	go s.readLoop()

	s.logger.Debug("Socket connected")
	return s, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	url          string
	handler      Handler
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSocket) readLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// a local Close is not a disconnect
			if s.closed.Swap(true) {
				return
			}
			s.conn.Close()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Socket read error", "error", err)
			}
			s.handler.HandleDisconnect(&teleop.TransportError{Op: "read", URL: s.url, Err: err})
			return
		}
		s.handler.HandleMessage(data)
	}
}

// Send encodes msg and writes it as a text frame. Safe for concurrent use.
func (s *wsSocket) Send(msg protocol.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &teleop.TransportError{Op: "write", URL: s.url, Err: err}
	}
	return nil
}

// Close sends a close frame and tears the connection down. It waits for the read loop to exit so
// no callback fires after Close returns; it must not be called from inside a Handler callback.
func (s *wsSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		alreadyClosed := s.closed.Swap(true)
		if !alreadyClosed {
			s.writeMu.Lock()
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			s.writeMu.Unlock()
			err = s.conn.Close()
		}
		<-s.done
		s.logger.Debug("Socket closed")
	})
	return err
}

// SubscribeURL builds the control-channel endpoint for a vehicle. pollInterval sets the
// server-side telemetry push cadence and is fixed for the lifetime of the connection.
func SubscribeURL(base, vehicleID string, pollInterval time.Duration) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse server url: %s", base)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if vehicleID == "" {
		return "", errors.New("vehicle id is required")
	}

	u.Path = path.Join("/", u.Path, "vehicles", vehicleID, "subscribe")
	queries := u.Query()
	if pollInterval > 0 {
		queries.Set("pollInterval", pollInterval.String())
	}
	u.RawQuery = queries.Encode()
	return u.String(), nil
}
