// Package client is the in-process counterpart of a session: it joins a
// session through the directory, sends local keyboard and mouse input as it
// changes, and applies the authoritative records the session broadcasts.
//
// A one-player session never touches the network. Connect starts a private
// directory and talks to it over an in-memory pipe using the same protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/config"
	"github.com/cory-johannsen/sessionsync/internal/directory"
	"github.com/cory-johannsen/sessionsync/internal/input"
	"github.com/cory-johannsen/sessionsync/internal/transport"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

var (
	// ErrSessionFull is returned when the named session already has every player.
	ErrSessionFull = errors.New("session full")
	// ErrSessionInPlay is returned when the named session has already started.
	ErrSessionInPlay = errors.New("session in play")
	// ErrServerUnreachable is returned when the directory cannot be reached.
	ErrServerUnreachable = errors.New("server unreachable")
	// ErrConnectionLost is returned once the session connection has failed or
	// the session has been torn down.
	ErrConnectionLost = errors.New("connection lost")
)

const (
	defaultPollInterval = 4 * time.Millisecond
	loadingMessage      = "Loading Game..."

	// maxSlots bounds the slot count accepted from a snapshot.
	maxSlots = 1024
)

// Model is the game side of the client. Callbacks run on the polling
// goroutine without any client lock held, so they may call back into Client.
type Model interface {
	// AdvanceModel moves the game to clock, in seconds since the session started.
	// It runs once per applied record, after Players reflects that record.
	// Keystrokes, clicks and messages are visible to exactly one call.
	AdvanceModel(clock float64)
	// RefreshScreen runs once per poll that applied at least one record.
	RefreshScreen()
	// SetLoadMessage reports join progress.
	SetLoadMessage(msg string)
	// PauseToggled runs when the session's pause state changes.
	PauseToggled(paused bool)
}

// ModelFuncs adapts plain functions to Model. Nil fields are skipped.
type ModelFuncs struct {
	Advance     func(clock float64)
	Refresh     func()
	LoadMessage func(msg string)
	Pause       func(paused bool)
}

func (m ModelFuncs) AdvanceModel(clock float64) {
	if m.Advance != nil {
		m.Advance(clock)
	}
}

func (m ModelFuncs) RefreshScreen() {
	if m.Refresh != nil {
		m.Refresh()
	}
}

func (m ModelFuncs) SetLoadMessage(msg string) {
	if m.LoadMessage != nil {
		m.LoadMessage(msg)
	}
}

func (m ModelFuncs) PauseToggled(paused bool) {
	if m.Pause != nil {
		m.Pause(paused)
	}
}

// Target names the session to join and where to find its directory.
type Target struct {
	// Addr is the directory's host:port. It is ignored for one-player sessions.
	Addr    string
	Game    string
	Session string
	Players int
}

func (t Target) validate() error {
	for _, name := range []string{t.Game, t.Session} {
		if name == "" || strings.ContainsAny(name, " \t\r\n") {
			return fmt.Errorf("invalid session name %q: names must be non-empty and contain no whitespace", name)
		}
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithCanvas sets the drawing area pointer positions are normalized against.
func WithCanvas(c input.Canvas) Option {
	return func(cl *Client) { cl.canvas = c }
}

// Client is one player's connection to a running session.
type Client struct {
	target Target
	cfg    config.ClientConfig
	model  Model
	logger *zap.Logger
	canvas input.Canvas

	conn  *transport.Conn
	r     *wire.Reader
	w     *wire.Writer
	id    int
	local *directory.Directory

	pollMu sync.Mutex

	mu        sync.Mutex
	own       input.Slot
	changed   bool
	sendPause bool
	pausing   bool
	paused    bool
	slots     []input.Slot
	sentAt    time.Time
	rtt       RoundTrip
	err       error

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// Connect joins the session named by target and blocks until it starts.
// Join progress is reported through model.SetLoadMessage.
//
// Precondition: model and logger must be non-nil.
// Postcondition: Returns a Client holding the session's initial snapshot, or
// ErrServerUnreachable, ErrSessionFull, ErrSessionInPlay, or a protocol error.
func Connect(ctx context.Context, target Target, cfg config.Config, model Model, logger *zap.Logger, opts ...Option) (*Client, error) {
	if target.Players <= 0 {
		target.Players = wire.DefaultPlayers
	}
	if err := target.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		target:  target,
		cfg:     cfg.Client,
		model:   model,
		logger:  logger.With(zap.String("game", target.Game), zap.String("session", target.Session)),
		canvas:  input.Canvas{Width: 1, Height: 1},
		own:     input.NewSlot(),
		changed: true,
		paused:  true,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.PollInterval <= 0 {
		c.cfg.PollInterval = defaultPollInterval
	}

	var err error
	if target.Players == 1 {
		err = c.openLocal(cfg.Session)
	} else {
		err = c.openRemote(ctx)
	}
	if err != nil {
		return nil, err
	}

	if err := c.join(ctx); err != nil {
		c.closeTransport()
		return nil, err
	}
	c.logger.Info("joined session",
		zap.Int("slot", c.id),
		zap.Int("players", len(c.slots)),
		zap.Bool("paused", c.paused),
	)
	return c, nil
}

func (c *Client) openRemote(ctx context.Context) error {
	conn, err := transport.Dial(ctx, c.target.Addr, c.cfg.DialTimeout, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if err := transport.RequestHandshake(conn, hostOf(c.target.Addr), "/"); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	c.attach(conn)
	return nil
}

// openLocal serves the session from a private directory over an in-memory pipe.
func (c *Client) openLocal(cfg config.SessionConfig) error {
	c.local = directory.New(context.Background(), cfg, c.logger.Named("local"), nil, nil)
	srv, cli := transport.Pipe()
	go func() {
		if err := transport.AcceptHandshake(srv); err != nil {
			srv.Close()
			return
		}
		if err := c.local.ServeConn(context.Background(), srv); err != nil {
			c.logger.Warn("local directory stopped", zap.Error(err))
		}
	}()
	if err := transport.RequestHandshake(cli, "localhost", "/"); err != nil {
		cli.Close()
		c.local.Close()
		return fmt.Errorf("local handshake: %w", err)
	}
	c.attach(cli)
	return nil
}

func (c *Client) attach(conn *transport.Conn) {
	c.conn = conn
	c.r = wire.NewReader(conn)
	c.w = wire.NewWriter(conn)
}

// join sends the Join command and reads through to the activation snapshot.
func (c *Client) join(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	c.w.String(wire.Join(c.target.Game, c.target.Session, c.target.Players).String())
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("sending join: %w", err)
	}

	resp := c.r.String()
	if err := c.r.Err(); err != nil {
		return c.joinError(ctx, err)
	}
	switch resp {
	case wire.ResponseSuccess:
	case wire.ResponseFull:
		c.quit()
		return ErrSessionFull
	case wire.ResponseInPlay:
		c.quit()
		return ErrSessionInPlay
	default:
		return fmt.Errorf("%w: unexpected join response %q", wire.ErrProtocolViolation, resp)
	}

	c.id = int(c.r.Int())
	for left := c.r.Int(); left > 0 && c.r.Err() == nil; left = c.r.Int() {
		c.model.SetLoadMessage(waitingMessage(int(left)))
	}
	if err := c.r.Err(); err != nil {
		return c.joinError(ctx, err)
	}
	c.model.SetLoadMessage(loadingMessage)

	n := int(c.r.Int())
	if c.r.Err() == nil && (n < 1 || n > maxSlots || c.id < 0 || c.id >= n) {
		return fmt.Errorf("%w: snapshot of %d slots for slot %d", wire.ErrProtocolViolation, n, c.id)
	}
	slots := make([]input.Slot, n)
	for i := range slots {
		slots[i] = input.NewSlot()
		slots[i].Read(c.r)
	}
	paused := c.r.Bool()
	if err := c.r.Err(); err != nil {
		return c.joinError(ctx, err)
	}

	c.mu.Lock()
	c.slots = slots
	c.paused = paused
	c.mu.Unlock()
	return nil
}

func (c *Client) joinError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, wire.ErrProtocolViolation) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// quit leaves the directory's command loop after a rejected join.
func (c *Client) quit() {
	c.w.String(wire.CommandQuit.String())
	_ = c.w.Flush()
}

func waitingMessage(left int) string {
	if left == 1 {
		return "Waiting for 1 player to join."
	}
	return fmt.Sprintf("Waiting for %d players to join.", left)
}

// ID returns this client's slot index.
func (c *Client) ID() int { return c.id }

// Target returns the session this client joined.
func (c *Client) Target() Target { return c.target }

// Paused reports whether the session was paused as of the last applied record.
func (c *Client) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Players returns the latest authoritative input of every slot.
func (c *Client) Players() []input.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return input.Players(c.slots)
}

// Err returns the error that stopped the client, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start polls for session records every poll interval until Close or a
// connection failure.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		go c.loop(ctx)
	})
}

// Done is closed when the polling loop started by Start has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := c.Poll(); err != nil {
			return
		}
	}
}

// Close leaves the session. In a committed session this ends the game for
// every player.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		if c.err == nil {
			c.err = ErrConnectionLost
		}
		c.paused = true
		c.mu.Unlock()

		// Closing the transport first wakes a poll blocked mid-record.
		c.closeTransport()
		if cancel != nil {
			cancel()
			<-c.done
		}
	})
	return nil
}

func (c *Client) closeTransport() {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.local != nil {
		c.local.Close()
	}
}

// fail records err, marks the client paused, and drops the connection.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	err = c.err
	c.paused = true
	c.mu.Unlock()

	c.logger.Warn("session connection failed", zap.Error(err))
	c.closeTransport()
	return err
}
