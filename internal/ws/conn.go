package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	controlWriteTimeout     = 5 * time.Second
)

// FrameHandlers is the callback set bound to a connection. Bind replaces the
// whole set at once, so a caller re-attaching handlers never leaves a stale
// listener behind.
type FrameHandlers struct {
	// OnMessage is invoked for every text or binary frame.
	OnMessage func(data []byte)

	// OnError is invoked when the read loop fails for a reason other than a
	// close frame. The connection is no longer usable afterwards.
	OnError func(err error)

	// OnClose is invoked when the peer closes the connection.
	OnClose func(code int, reason string)
}

// Conn is a single WebSocket connection.
//
// Implementations deliver inbound frames to the handler set most recently
// installed with Bind. Close is idempotent; after the first call IsOpen
// reports false and no further callbacks fire.
type Conn interface {
	// WriteText sends a text frame.
	WriteText(data []byte) error

	// Ping sends a protocol-level ping control frame.
	Ping() error

	// Bind installs h, replacing any previously bound handler set.
	Bind(h FrameHandlers)

	// IsOpen reports whether the connection is still usable.
	IsOpen() bool

	// Close sends a close frame with the given code and reason and tears the
	// connection down. Subsequent calls are no-ops.
	Close(code int, reason string) error
}

// Dialer opens connections. It exists so the socket state machines can be
// exercised against a fake transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer dials real connections using gorilla/websocket.
type GorillaDialer struct {
	// HandshakeTimeout bounds the opening handshake. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Dial opens a connection and starts its read loop.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	raw, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &gorillaConn{conn: raw, open: true}
	raw.SetPongHandler(func(string) error { return nil })

	go c.readLoop()
	return c, nil
}

var errConnClosed = errors.New("ws: connection closed")

// gorillaConn adapts *websocket.Conn to the Conn interface. Writes are
// serialized with a dedicated mutex; gorilla permits one concurrent reader
// and one concurrent writer only.
type gorillaConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers FrameHandlers
	open     bool

	closeOnce sync.Once
}

func (c *gorillaConn) Bind(h FrameHandlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *gorillaConn) current() FrameHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *gorillaConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// markClosed flips the open flag and reports whether it was set before.
func (c *gorillaConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.open
	c.open = false
	return was
}

func (c *gorillaConn) WriteText(data []byte) error {
	if !c.IsOpen() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing text frame: %w", err)
	}
	return nil
}

func (c *gorillaConn) Ping() error {
	if !c.IsOpen() {
		return errConnClosed
	}
	deadline := time.Now().Add(controlWriteTimeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("writing ping frame: %w", err)
	}
	return nil
}

func (c *gorillaConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.markClosed()
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(controlWriteTimeout)
		// Best effort; the peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *gorillaConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// A local Close already flipped the flag; deliver nothing then.
			if !c.markClosed() {
				return
			}

			h := c.current()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if h.OnClose != nil {
					h.OnClose(ce.Code, ce.Text)
				}
			} else if h.OnError != nil {
				h.OnError(err)
			}
			return
		}

		h := c.current()
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}
