package transport

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/sessionsync/internal/config"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

func TestPipe_BufferedReportsArrivedBytes(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	assert.Equal(t, 0, a.Buffered())
	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.Buffered() == 5 }, time.Second, time.Millisecond)

	buf := make([]byte, 3)
	n, err := a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf[:n]))
	assert.Equal(t, 2, a.Buffered())
}

func TestConn_PeekLeavesBytesUntilDiscarded(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	assert.Nil(t, a.Peek())
	_, err := b.Write([]byte("record"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Buffered() == 6 }, time.Second, time.Millisecond)

	p := a.Peek()
	assert.Equal(t, "record", string(p))
	p[0] = 'X'
	assert.Equal(t, "record", string(a.Peek()), "Peek returns a copy")

	a.Discard(3)
	assert.Equal(t, "ord", string(a.Peek()))
	a.Discard(10)
	assert.Equal(t, 0, a.Buffered())
}

func TestConn_ClosedAfterPeerLeaves(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	_, err := b.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool { return a.Err() != nil }, time.Second, time.Millisecond)
	assert.False(t, a.Closed(), "unread byte keeps the stream open")

	_, err = a.ReadByte()
	require.NoError(t, err)
	assert.True(t, a.Closed())

	_, err = a.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_CloseWakesBlockedReader(t *testing.T) {
	a, b := Pipe()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.ReadByte()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Close")
	}
	assert.True(t, a.Closed())
}

func TestHandshake_OverPipe(t *testing.T) {
	srv, cli := Pipe()
	defer srv.Close()
	defer cli.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- AcceptHandshake(srv) }()

	require.NoError(t, RequestHandshake(cli, "local", "pong"))
	require.NoError(t, <-errCh)
}

type recordingHandler struct {
	served atomic.Int32
}

func (h *recordingHandler) ServeConn(_ context.Context, conn *Conn) error {
	defer conn.Close()
	h.served.Add(1)
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)
	line := r.String()
	w.String("echo: " + line)
	return w.Flush()
}

func startAcceptor(t *testing.T, cfg config.DispatcherConfig, h Handler) *Acceptor {
	t.Helper()
	acc := NewAcceptor(cfg, h, zaptest.NewLogger(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = acc.Serve(ln) }()
	require.Eventually(t, acc.IsRunning, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(acc.Stop)
	return acc
}

func TestAcceptor_HandshakeThenHandler(t *testing.T) {
	h := &recordingHandler{}
	acc := startAcceptor(t, config.DispatcherConfig{Handshake: true, WriteTimeout: time.Second}, h)

	conn, err := Dial(context.Background(), acc.Addr(), time.Second, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, RequestHandshake(conn, acc.Addr(), "pong"))
	w := wire.NewWriter(conn)
	w.String("List Games")
	require.NoError(t, w.Flush())

	r := wire.NewReader(conn)
	assert.Equal(t, "echo: List Games", r.String())
	require.NoError(t, r.Err())
	assert.Equal(t, int32(1), h.served.Load())
}

func TestAcceptor_RejectsBadPreamble(t *testing.T) {
	h := &recordingHandler{}
	acc := startAcceptor(t, config.DispatcherConfig{Handshake: true, ReadTimeout: 200 * time.Millisecond}, h)

	raw, err := net.Dial("tcp", acc.Addr())
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = raw.Read(make([]byte, 8))
	assert.Error(t, err, "server closes the connection when the header never ends")
	assert.Equal(t, int32(0), h.served.Load())
}

func TestAcceptor_StopIsIdempotent(t *testing.T) {
	acc := startAcceptor(t, config.DispatcherConfig{}, &recordingHandler{})
	acc.Stop()
	acc.Stop()
	assert.False(t, acc.IsRunning())
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, 500*time.Millisecond, 0)
	assert.Error(t, err)
}
