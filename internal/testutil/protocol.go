package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cory-johannsen/sessionsync/internal/transport"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

// ProtocolClient speaks the directory protocol over TCP for integration tests.
type ProtocolClient struct {
	conn *transport.Conn
	r    *wire.Reader
	w    *wire.Writer
	t    *testing.T
}

// NewProtocolClient dials addr and completes the connection preamble.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected ProtocolClient or fails the test.
func NewProtocolClient(t *testing.T, addr string) *ProtocolClient {
	t.Helper()
	start := time.Now()

	conn, err := transport.Dial(context.Background(), addr, 5*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	if err := transport.RequestHandshake(conn, addr, "/"); err != nil {
		t.Fatalf("handshake with %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Logf("protocol client connected to %s [%s]", addr, time.Since(start))
	return &ProtocolClient{conn: conn, r: wire.NewReader(conn), w: wire.NewWriter(conn), t: t}
}

// Send writes one command string and flushes it.
func (c *ProtocolClient) Send(command string) {
	c.t.Helper()
	c.w.String(command)
	if err := c.w.Flush(); err != nil {
		c.t.Fatalf("sending %q: %v", command, err)
	}
}

// ReadString reads one wire string, failing the test on error or timeout.
func (c *ProtocolClient) ReadString(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	s := c.r.String()
	if err := c.r.Err(); err != nil {
		c.t.Fatalf("reading string: %v", err)
	}
	return s
}

// ReadInt reads one wire int, failing the test on error or timeout.
func (c *ProtocolClient) ReadInt(timeout time.Duration) int {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	n := c.r.Int()
	if err := c.r.Err(); err != nil {
		c.t.Fatalf("reading int: %v", err)
	}
	return int(n)
}

// Join sends a Join command and returns the response and slot index (-1 unless accepted).
func (c *ProtocolClient) Join(game, session string, players int) (string, int) {
	c.t.Helper()
	c.Send(wire.Join(game, session, players).String())
	resp := c.ReadString(5 * time.Second)
	if resp != wire.ResponseSuccess {
		return resp, -1
	}
	return resp, c.ReadInt(5 * time.Second)
}

// Reader exposes the decoder for reading session traffic after a join.
func (c *ProtocolClient) Reader() *wire.Reader { return c.r }

// Close closes the underlying connection.
func (c *ProtocolClient) Close() {
	_ = c.conn.Close()
}
