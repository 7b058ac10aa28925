// Package wstest provides fake transport implementations for exercising the
// socket state machines and the manager without network access.
package wstest

import (
	"context"
	"sync"

	"github.com/johan/polymarket-stream/internal/ws"
)

// FakeConn is an in-memory ws.Conn. Frames delivered through it run the
// bound handlers synchronously on the caller's goroutine.
type FakeConn struct {
	mu       sync.Mutex
	handlers ws.FrameHandlers
	open     bool

	written   [][]byte
	pings     int
	closeCode int
	closeText string
	closed    bool
}

// NewFakeConn returns an open fake connection.
func NewFakeConn() *FakeConn {
	return &FakeConn{open: true}
}

func (c *FakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *FakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *FakeConn) Bind(h ws.FrameHandlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *FakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *FakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.open = false
		c.closeCode = code
		c.closeText = reason
	}
	return nil
}

func (c *FakeConn) current() ws.FrameHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// Deliver feeds one inbound frame to the bound message handler.
func (c *FakeConn) Deliver(data []byte) {
	if h := c.current(); h.OnMessage != nil {
		h.OnMessage(data)
	}
}

// FailFromPeer simulates a transport error observed by the read loop.
func (c *FakeConn) FailFromPeer(err error) {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	if h := c.current(); h.OnError != nil {
		h.OnError(err)
	}
}

// CloseFromPeer simulates the peer closing the connection.
func (c *FakeConn) CloseFromPeer(code int, reason string) {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	if h := c.current(); h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

// Written returns the text frames written so far.
func (c *FakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Pings returns how many pings have been sent.
func (c *FakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closed reports whether Close was called and with what code.
func (c *FakeConn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// FakeDialer hands out FakeConns and records dial attempts.
type FakeDialer struct {
	mu    sync.Mutex
	conns []*FakeConn
	urls  []string
	err   error
}

// NewFakeDialer returns a dialer whose dials all succeed.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// FailWith makes subsequent dials return err (nil restores success).
func (d *FakeDialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *FakeDialer) Dial(_ context.Context, url string) (ws.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := NewFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// DialCount returns the number of dial attempts, including failed ones.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Conns returns every connection handed out so far.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recently handed out connection, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// URLs returns the urls dialed so far.
func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
