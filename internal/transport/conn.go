// Package transport carries the object stream between client proxies and the
// server: a connection wrapper that can report how many bytes are already
// waiting without blocking, the TCP acceptor, and an in-memory pipe used for
// single-player sessions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cory-johannsen/sessionsync/internal/wire"
)

// maxBuffered bounds the bytes held for a peer that sends faster than it is
// read. It must exceed the largest record so a whole record can always arrive.
const maxBuffered = 2 << 20

// ErrClosed is returned by reads and writes on a Conn after Close.
var ErrClosed = errors.New("connection closed")

// Conn wraps a net.Conn with a background reader so that callers can ask how
// many bytes have arrived (Buffered) and whether the peer has gone away
// (Closed) without blocking.
//
// Read blocks until data arrives or the stream ends. Writes go straight to the
// underlying connection with an optional deadline and are serialized.
type Conn struct {
	raw          net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	err    error
	closed bool

	wmu sync.Mutex
}

// NewConn wraps raw and starts its background reader.
//
// Precondition: raw must be open; nothing else may read from it.
// Postcondition: The returned Conn owns raw and closes it on Close.
func NewConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{raw: raw, writeTimeout: writeTimeout}
	c.cond = sync.NewCond(&c.mu)
	go c.pump()
	return c
}

func (c *Conn) pump() {
	tmp := make([]byte, 4096)
	for {
		n, err := c.raw.Read(tmp)
		c.mu.Lock()
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
		}
		if err != nil {
			if c.closed {
				err = ErrClosed
			}
			c.err = err
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		c.cond.Broadcast()
		for len(c.buf) >= maxBuffered && !c.closed {
			c.cond.Wait()
		}
		c.mu.Unlock()
	}
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && c.err == nil && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) == 0 {
		if c.closed {
			return 0, ErrClosed
		}
		return 0, c.err
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	c.cond.Broadcast()
	return n, nil
}

// ReadByte implements io.ByteReader.
func (c *Conn) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := c.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Buffered returns the number of bytes that can be read without blocking.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Peek returns a copy of the bytes that have arrived but not been read.
func (c *Conn) Peek() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	return append([]byte(nil), c.buf...)
}

// Discard drops the first n buffered bytes, typically after decoding them from Peek.
//
// Precondition: n <= Buffered().
func (c *Conn) Discard(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = min(n, len(c.buf))
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	c.cond.Broadcast()
}

// Closed reports whether the stream has ended and every received byte has been read.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || (c.err != nil && len(c.buf) == 0)
}

// Err returns the error that ended the stream, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.err
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.raw.Write(p)
	if err != nil && c.isClosed() {
		return n, ErrClosed
	}
	return n, err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetReadDeadline bounds the background reader. A deadline that passes ends the stream.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if a := c.raw.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Close closes the underlying connection and wakes blocked readers.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return c.raw.Close()
}

// Pipe returns the two ends of an in-memory connection.
func Pipe() (server, client *Conn) {
	a, b := net.Pipe()
	return NewConn(a, 0), NewConn(b, 0)
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, timeout, writeTimeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewConn(raw, writeTimeout), nil
}

// AcceptHandshake discards the peer's request header and answers with the magic preamble.
func AcceptHandshake(c *Conn) error {
	if err := wire.DiscardRequest(c); err != nil {
		return fmt.Errorf("reading request header: %w", err)
	}
	if err := wire.WriteMagic(c); err != nil {
		return fmt.Errorf("writing preamble: %w", err)
	}
	return nil
}

// RequestHandshake sends the request header and waits for the magic preamble.
func RequestHandshake(c *Conn, host, path string) error {
	if err := wire.WriteRequest(c, host, path); err != nil {
		return fmt.Errorf("writing request header: %w", err)
	}
	if err := wire.ReadMagic(c); err != nil {
		return fmt.Errorf("reading preamble: %w", err)
	}
	return nil
}
