// Package transport provides the socket implementations used by sessions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"netkeep/internal/connection"
)

const defaultWriteTimeout = 5 * time.Second

type Option func(*WebSocket)

func WithHeader(h http.Header) Option {
	return func(w *WebSocket) { w.header = h.Clone() }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(w *WebSocket) { w.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *WebSocket) { w.log = l }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(w *WebSocket) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WebSocket is a connection.Transport over gorilla/websocket. It holds at most
// one live connection.
type WebSocket struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	log          zerolog.Logger
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

var _ connection.Transport = (*WebSocket)(nil)

func NewWebSocket(url string, opts ...Option) *WebSocket {
	w := &WebSocket{
		url:          url,
		header:       http.Header{},
		dialer:       websocket.DefaultDialer,
		log:          zerolog.Nop(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect dials the endpoint, reports OnOpen and starts the read loop. A
// previous connection is closed without being reported.
func (w *WebSocket) Connect(ctx context.Context, h connection.Handler) error {
	if prev := w.swap(nil); prev != nil {
		_ = prev.Close()
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", w.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	w.log.Debug().Str("url", w.url).Msg("websocket connected")

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	h.OnOpen()
	go w.readLoop(conn, h)
	return nil
}

// Send writes a text frame.
func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	conn := w.current()
	if conn == nil {
		return connection.ErrNotConnected
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(w.deadline(ctx))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a ping control frame.
func (w *WebSocket) Ping(ctx context.Context) error {
	conn := w.current()
	if conn == nil {
		return connection.ErrNotConnected
	}
	return conn.WriteControl(websocket.PingMessage, nil, w.deadline(ctx))
}

// Close sends a close frame with code and drops the connection. The read
// loop of a connection closed here reports nothing.
func (w *WebSocket) Close(code int, reason string) error {
	conn := w.swap(nil)
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
	cerr := conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

func (w *WebSocket) readLoop(conn *websocket.Conn, h connection.Handler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !w.release(conn) {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				h.OnClose(ce.Code, ce.Text)
				return
			}
			w.log.Debug().Err(err).Msg("websocket read failed")
			h.OnError(err)
			return
		}
		h.OnMessage(data)
	}
}

// release clears conn if it is still current and reports whether it was.
func (w *WebSocket) release(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != conn {
		return false
	}
	w.conn = nil
	_ = conn.Close()
	return true
}

func (w *WebSocket) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *WebSocket) swap(next *websocket.Conn) *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.conn
	w.conn = next
	return prev
}

func (w *WebSocket) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(w.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
