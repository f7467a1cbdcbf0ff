package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/config"
	"github.com/cory-johannsen/sessionsync/internal/directory"
	"github.com/cory-johannsen/sessionsync/internal/input"
	"github.com/cory-johannsen/sessionsync/internal/transport"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

// recordingModel captures every callback. When client is set, each advance
// also records the keys and messages visible to the model.
type recordingModel struct {
	mu       sync.Mutex
	client   *Client
	clocks   []float64
	loads    []string
	pauses   []bool
	refresh  int
	keys     []rune
	messages []any
}

func (m *recordingModel) AdvanceModel(clock float64) {
	var players []input.Player
	if m.client != nil {
		players = m.client.Players()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clocks = append(m.clocks, clock)
	for _, p := range players {
		if k, ok := p.Keyboard.LastKey(); ok {
			m.keys = append(m.keys, k)
		}
		if p.HasMessage() {
			m.messages = append(m.messages, p.Message)
		}
	}
}

func (m *recordingModel) RefreshScreen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh++
}

func (m *recordingModel) SetLoadMessage(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads = append(m.loads, msg)
}

func (m *recordingModel) PauseToggled(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses = append(m.pauses, paused)
}

func (m *recordingModel) lastClock() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clocks) == 0 {
		return -1
	}
	return m.clocks[len(m.clocks)-1]
}

func (m *recordingModel) countKey(r rune) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.keys {
		if k == r {
			n++
		}
	}
	return n
}

func (m *recordingModel) countMessage(v any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg == v {
			n++
		}
	}
	return n
}

func (m *recordingModel) loadMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.loads...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session = config.SessionConfig{TickInterval: 5 * time.Millisecond, HeartBeat: 4, StartPaused: true}
	cfg.Client = config.ClientConfig{PollInterval: 2 * time.Millisecond, DialTimeout: time.Second}
	return cfg
}

// startServer runs a directory behind a TCP acceptor and returns its address.
func startServer(t *testing.T, cfg config.SessionConfig) string {
	t.Helper()
	logger := zap.NewNop()
	d := directory.New(context.Background(), cfg, logger, nil, nil)
	acc := transport.NewAcceptor(config.DispatcherConfig{Handshake: true, WriteTimeout: time.Second}, d, logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = acc.Serve(ln) }()
	t.Cleanup(func() {
		acc.Stop()
		d.Close()
	})
	return ln.Addr().String()
}

type result struct {
	client *Client
	err    error
}

func connectAsync(ctx context.Context, target Target, cfg config.Config, m *recordingModel) <-chan result {
	out := make(chan result, 1)
	go func() {
		c, err := Connect(ctx, target, cfg, m, zap.NewNop())
		out <- result{client: c, err: err}
	}()
	return out
}

func await(t *testing.T, ch <-chan result) (*Client, error) {
	t.Helper()
	select {
	case r := <-ch:
		if r.client != nil {
			t.Cleanup(func() { r.client.Close() })
		}
		return r.client, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
		return nil, nil
	}
}

func connectPair(t *testing.T, addr string, cfg config.Config) (a, b *Client, ma, mb *recordingModel) {
	t.Helper()
	ma, mb = &recordingModel{}, &recordingModel{}
	target := Target{Addr: addr, Game: "pong", Session: "match", Players: 2}
	cha := connectAsync(context.Background(), target, cfg, ma)
	// Order the joins so the first client waits for the second.
	require.Eventually(t, func() bool { return len(ma.loadMessages()) > 0 }, 2*time.Second, time.Millisecond)
	chb := connectAsync(context.Background(), target, cfg, mb)

	a, err := await(t, cha)
	require.NoError(t, err)
	b, err = await(t, chb)
	require.NoError(t, err)
	return a, b, ma, mb
}

func TestConnect_SinglePlayerRunsLocally(t *testing.T) {
	m := &recordingModel{}
	c, err := Connect(context.Background(), Target{Game: "solo", Session: "one", Players: 1}, testConfig(), m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, 0, c.ID())
	assert.True(t, c.Paused(), "sessions start paused")
	assert.Equal(t, []string{loadingMessage}, m.loadMessages())
	players := c.Players()
	require.Len(t, players, 1)
	assert.IsType(t, float64(0), players[0].Message, "slot messages start as the shared seed")

	m.client = c
	c.Start()
	require.NoError(t, c.PauseToggle())
	require.Eventually(t, func() bool { return !c.Paused() && m.lastClock() > 0 }, 2*time.Second, time.Millisecond)

	m.mu.Lock()
	assert.Equal(t, []bool{false}, m.pauses)
	assert.Positive(t, m.refresh)
	m.mu.Unlock()
}

func TestClient_KeystrokeSeenExactlyOnce(t *testing.T) {
	m := &recordingModel{}
	c, err := Connect(context.Background(), Target{Game: "solo", Session: "keys", Players: 1}, testConfig(), m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	m.client = c
	c.Start()

	require.NoError(t, c.PauseToggle())
	require.Eventually(t, func() bool { return !c.Paused() }, 2*time.Second, time.Millisecond)

	require.NoError(t, c.KeyPressed('a'))
	require.Eventually(t, func() bool { return m.countKey('a') == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.countKey('a'))
}

func TestClient_PauseToggleGuardedUntilAcknowledged(t *testing.T) {
	m := &recordingModel{}
	c, err := Connect(context.Background(), Target{Game: "solo", Session: "pause", Players: 1}, testConfig(), m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	// Two requests before any acknowledgement flip the session once.
	require.NoError(t, c.PauseToggle())
	require.NoError(t, c.PauseToggle())

	require.Eventually(t, func() bool {
		_, _ = c.Poll()
		return !c.Paused()
	}, 2*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, err = c.Poll()
	require.NoError(t, err)
	assert.False(t, c.Paused())
}

func TestClient_KeysDiscardedWhilePaused(t *testing.T) {
	m := &recordingModel{}
	c, err := Connect(context.Background(), Target{Game: "solo", Session: "quiet", Players: 1}, testConfig(), m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	m.client = c

	require.NoError(t, c.KeyPressed('z'))
	c.Start()
	require.NoError(t, c.PauseToggle())
	require.Eventually(t, func() bool { return !c.Paused() && m.lastClock() > 0 }, 2*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, m.countKey('z'))
}

func TestClient_RoundTripStatistics(t *testing.T) {
	m := &recordingModel{}
	c, err := Connect(context.Background(), Target{Game: "solo", Session: "rtt", Players: 1}, testConfig(), m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.Start()
	require.NoError(t, c.PauseToggle())

	require.Eventually(t, func() bool { return c.RoundTrip().Samples >= 3 }, 2*time.Second, time.Millisecond)
	rt := c.RoundTrip()
	assert.LessOrEqual(t, rt.Min, rt.Avg())
	assert.LessOrEqual(t, rt.Avg(), rt.Max)
}

func TestClient_ClearInputForgetsReceivedMessages(t *testing.T) {
	c, err := Connect(context.Background(), Target{Game: "solo", Session: "clear", Players: 1}, testConfig(), ModelFuncs{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.True(t, c.Players()[0].HasMessage())
	c.ClearInput()
	assert.False(t, c.Players()[0].HasMessage())
}

func TestConnect_TwoPlayersShareSession(t *testing.T) {
	addr := startServer(t, testConfig().Session)
	a, b, ma, _ := connectPair(t, addr, testConfig())

	assert.ElementsMatch(t, []int{0, 1}, []int{a.ID(), b.ID()})
	assert.Len(t, a.Players(), 2)
	// The count is re-announced whenever the directory probes the session.
	loads := ma.loadMessages()
	require.GreaterOrEqual(t, len(loads), 2)
	assert.Equal(t, loadingMessage, loads[len(loads)-1])
	for _, msg := range loads[:len(loads)-1] {
		assert.Equal(t, "Waiting for 1 player to join.", msg)
	}
}

func TestConnect_ThirdPlayerIsRejected(t *testing.T) {
	addr := startServer(t, testConfig().Session)
	connectPair(t, addr, testConfig())

	_, err := await(t, connectAsync(context.Background(),
		Target{Addr: addr, Game: "pong", Session: "match", Players: 2}, testConfig(), &recordingModel{}))
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestClient_MessageDeliveredToEveryPlayerOnce(t *testing.T) {
	addr := startServer(t, testConfig().Session)
	a, b, ma, mb := connectPair(t, addr, testConfig())
	ma.client, mb.client = a, b
	a.Start()
	b.Start()

	require.NoError(t, a.PauseToggle())
	require.Eventually(t, func() bool { return !a.Paused() && !b.Paused() }, 2*time.Second, time.Millisecond)

	require.NoError(t, a.SendMessage("hi"))
	require.Eventually(t, func() bool {
		return ma.countMessage("hi") == 1 && mb.countMessage("hi") == 1
	}, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, mb.countMessage("hi"))
}

func TestClient_CommittedDropoutEndsSessionForEveryone(t *testing.T) {
	addr := startServer(t, testConfig().Session)
	a, b, _, _ := connectPair(t, addr, testConfig())
	a.Start()

	require.NoError(t, b.Close())
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("surviving client kept running")
	}
	assert.ErrorIs(t, a.Err(), ErrConnectionLost)
	_, err := a.Poll()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestConnect_ServerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Connect(context.Background(), Target{Addr: addr, Game: "pong", Session: "x", Players: 2}, testConfig(), ModelFuncs{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrServerUnreachable)
}

func TestConnect_RejectsNamesWithSpaces(t *testing.T) {
	_, err := Connect(context.Background(), Target{Game: "pong", Session: "two words", Players: 1}, testConfig(), ModelFuncs{}, zap.NewNop())
	assert.Error(t, err)
}

func TestConnect_CancelWhileWaiting(t *testing.T) {
	addr := startServer(t, testConfig().Session)
	ctx, cancel := context.WithCancel(context.Background())
	ch := connectAsync(ctx, Target{Addr: addr, Game: "pong", Session: "lonely", Players: 2}, testConfig(), &recordingModel{})
	time.Sleep(20 * time.Millisecond)
	cancel()

	_, err := await(t, ch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListSessions_FiltersByGame(t *testing.T) {
	addr := startServer(t, testConfig().Session)
	ctx, cancel := context.WithCancel(context.Background())
	ch := connectAsync(ctx, Target{Addr: addr, Game: "pong", Session: "lobby", Players: 2}, testConfig(), &recordingModel{})
	t.Cleanup(func() {
		cancel()
		<-ch
	})

	require.Eventually(t, func() bool {
		got, err := ListSessions(context.Background(), addr, "pong", time.Second)
		return err == nil && len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := ListSessions(context.Background(), addr, "pong", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []wire.Listing{{Game: "pong", Session: "lobby"}}, got)

	got, err = ListSessions(context.Background(), addr, "tag", time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListSessions_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = ListSessions(context.Background(), addr, "", time.Second)
	assert.ErrorIs(t, err, ErrServerUnreachable)
}

func TestRoundTrip_Add(t *testing.T) {
	var rt RoundTrip
	assert.Zero(t, rt.Avg())
	rt.add(30 * time.Millisecond)
	rt.add(10 * time.Millisecond)
	rt.add(20 * time.Millisecond)
	assert.Equal(t, 3, rt.Samples)
	assert.Equal(t, 10*time.Millisecond, rt.Min)
	assert.Equal(t, 30*time.Millisecond, rt.Max)
	assert.Equal(t, 20*time.Millisecond, rt.Avg())
}

func TestWaitingMessage(t *testing.T) {
	assert.Equal(t, "Waiting for 1 player to join.", waitingMessage(1))
	assert.Equal(t, "Waiting for 3 players to join.", waitingMessage(3))
}

func (c *Client) awaitingPauseAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pausing
}

func TestClient_UnsupportedMessageLeavesConnectionUsable(t *testing.T) {
	m := &recordingModel{}
	c, err := Connect(context.Background(), Target{Game: "solo", Session: "msg", Players: 1}, testConfig(), m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	m.client = c
	c.Start()
	require.NoError(t, c.PauseToggle())
	require.Eventually(t, func() bool { return !c.Paused() }, 2*time.Second, time.Millisecond)

	err = c.SendMessage(struct{ X int }{1})
	assert.ErrorIs(t, err, wire.ErrUnsupportedMessage)
	assert.NoError(t, c.Err())

	require.NoError(t, c.KeyPressed('a'))
	require.NoError(t, c.SendMessage("still here"))
	require.Eventually(t, func() bool {
		return m.countKey('a') == 1 && m.countMessage("still here") == 1
	}, 2*time.Second, time.Millisecond)
	assert.NoError(t, c.Err())
}

func TestClient_SimultaneousPauseRequestsReleaseGuard(t *testing.T) {
	cfg := testConfig()
	cfg.Session.TickInterval = 100 * time.Millisecond
	cfg.Session.HeartBeat = 2
	addr := startServer(t, cfg.Session)
	a, b, _, _ := connectPair(t, addr, cfg)
	a.Start()
	b.Start()

	// Both players ask to resume in the same tick; the flips cancel out.
	require.NoError(t, a.PauseToggle())
	require.NoError(t, b.PauseToggle())
	require.Eventually(t, func() bool {
		return !a.awaitingPauseAck() && !b.awaitingPauseAck()
	}, 3*time.Second, time.Millisecond)

	if a.Paused() {
		require.NoError(t, a.PauseToggle())
	}
	require.Eventually(t, func() bool { return !a.Paused() && !b.Paused() }, 3*time.Second, time.Millisecond)

	require.NoError(t, b.PauseToggle())
	require.Eventually(t, func() bool { return a.Paused() && b.Paused() }, 3*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !b.awaitingPauseAck() }, 3*time.Second, time.Millisecond)
}
