// Package directory implements the session directory: the per-connection
// command loop that lists sessions and places joining players into the
// session named by (game, session), creating it on first use.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/config"
	"github.com/cory-johannsen/sessionsync/internal/observability"
	"github.com/cory-johannsen/sessionsync/internal/session"
	"github.com/cory-johannsen/sessionsync/internal/transport"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

var (
	// ErrSessionFull is returned when a join targets a session whose slots are all taken.
	ErrSessionFull = errors.New("session full")
	// ErrSessionInPlay is returned when a join targets a session that has already started.
	ErrSessionInPlay = errors.New("session in play")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("directory closed")
)

type key struct {
	game    string
	session string
}

// Directory owns every session known to the server.
type Directory struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      config.SessionConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	recorder session.Recorder

	mu       sync.Mutex
	sessions map[key]*session.Session
	closed   bool
}

// New creates an empty Directory. Sessions it creates stop when ctx is
// cancelled or Close is called. metrics and recorder may be nil.
//
// Precondition: logger must be non-nil.
func New(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger, metrics *observability.Metrics, recorder session.Recorder) *Directory {
	ctx, cancel := context.WithCancel(ctx)
	return &Directory{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		recorder: recorder,
		sessions: make(map[key]*session.Session),
	}
}

// ServeConn runs the command loop for one connection until it joins a session,
// quits, or fails. A joined connection belongs to its session; in every other
// case ServeConn closes it.
//
// Postcondition: Returns nil after a join or Quit, the read error otherwise.
func (d *Directory) ServeConn(ctx context.Context, conn *transport.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	for {
		line := r.String()
		if err := r.Err(); err != nil {
			stop()
			conn.Close()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}

		cmd, err := wire.ParseCommand(line)
		if err != nil {
			stop()
			conn.Close()
			return err
		}

		switch cmd.Kind {
		case wire.CommandJoin:
			slot, err := d.Join(conn, cmd)
			if err == nil {
				if !stop() {
					// ctx was cancelled mid-join and has closed conn; the session
					// will notice on its next read.
					d.logger.Debug("join completed during shutdown")
				}
				d.logger.Debug("connection joined",
					zap.String("game", cmd.Game),
					zap.String("session", cmd.Session),
					zap.Int("slot", slot),
				)
				return nil
			}
			if !errors.Is(err, ErrSessionFull) && !errors.Is(err, ErrSessionInPlay) {
				stop()
				conn.Close()
				return err
			}
		case wire.CommandList:
			d.Sweep()
			w.String(wire.FormatListing(d.List()))
			if err := w.Flush(); err != nil {
				stop()
				conn.Close()
				return fmt.Errorf("writing listing: %w", err)
			}
		case wire.CommandQuit:
			stop()
			conn.Close()
			return nil
		default:
			d.Sweep()
		}
	}
}

// Join places conn in the session named by cmd, creating the session if it
// does not exist. The response is written to conn in every case.
//
// Postcondition: On success conn belongs to the session and the slot index is returned.
func (d *Directory) Join(conn *transport.Conn, cmd wire.Command) (int, error) {
	d.Sweep()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return -1, ErrClosed
	}

	k := key{game: cmd.Game, session: cmd.Session}
	s, ok := d.sessions[k]
	if !ok {
		s = d.newSessionLocked(session.Identity{Game: cmd.Game, Session: cmd.Session, Players: max(1, cmd.Players)})
		d.sessions[k] = s
	}

	if s.IsFull() {
		reject(conn, wire.ResponseFull)
		d.metrics.Join(observability.JoinFull)
		return -1, ErrSessionFull
	}

	slot, err := s.AddConnection(conn)
	switch {
	case errors.Is(err, session.ErrSessionInPlay):
		d.metrics.Join(observability.JoinInPlay)
		return -1, ErrSessionInPlay
	case errors.Is(err, session.ErrSessionFull):
		d.metrics.Join(observability.JoinFull)
		return -1, ErrSessionFull
	case err != nil:
		return -1, err
	}
	d.metrics.Join(observability.JoinAccepted)
	return slot, nil
}

func (d *Directory) newSessionLocked(id session.Identity) *session.Session {
	d.logger.Info("creating session",
		zap.String("game", id.Game),
		zap.String("session", id.Session),
		zap.Int("players", id.Players),
	)
	return session.New(d.ctx, id, d.cfg, d.logger,
		session.WithMetrics(d.metrics),
		session.WithRecorder(d.recorder),
		session.WithOnEnd(d.remove),
	)
}

func reject(conn *transport.Conn, response string) {
	w := wire.NewWriter(conn)
	w.String(response)
	_ = w.Flush()
}

// remove drops s from the map if it is still the session registered under its name.
func (d *Directory) remove(s *session.Session) {
	id := s.Identity()
	k := key{game: id.Game, session: id.Session}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[k] == s {
		delete(d.sessions, k)
		d.logger.Debug("session removed",
			zap.String("game", id.Game),
			zap.String("session", id.Session),
		)
	}
}

// Sweep drops sessions that no longer hold an active connection. Sessions are
// probed without the directory lock, since a probe writes to every member.
func (d *Directory) Sweep() {
	d.mu.Lock()
	all := make(map[key]*session.Session, len(d.sessions))
	for k, s := range d.sessions {
		all[k] = s
	}
	d.mu.Unlock()

	idle := make(map[key]*session.Session)
	for k, s := range all {
		if !s.IsActive() {
			idle[k] = s
		}
	}
	if len(idle) == 0 {
		return
	}

	var stale []*session.Session
	d.mu.Lock()
	for k, s := range idle {
		// A join may have landed since the probe; joins hold d.mu, so this check is final.
		if d.sessions[k] == s && s.Joined() == 0 {
			delete(d.sessions, k)
			stale = append(stale, s)
		}
	}
	d.mu.Unlock()
	closeAll(stale)
}

func closeAll(sessions []*session.Session) {
	for _, s := range sessions {
		s.Close()
	}
}

// List returns the sessions that still have free slots, sorted by game then session.
func (d *Directory) List() []wire.Listing {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []wire.Listing
	for k, s := range d.sessions {
		if s.IsFull() {
			continue
		}
		out = append(out, wire.Listing{Game: k.game, Session: k.session})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Game != out[j].Game {
			return out[i].Game < out[j].Game
		}
		return out[i].Session < out[j].Session
	})
	return out
}

// Sessions returns a snapshot of every known session.
func (d *Directory) Sessions() []session.Info {
	d.mu.Lock()
	all := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.mu.Unlock()

	out := make([]session.Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Identity, out[j].Identity
		if a.Game != b.Game {
			return a.Game < b.Game
		}
		return a.Session < b.Session
	})
	return out
}

// Serving reports whether the directory still accepts joins.
func (d *Directory) Serving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

// Close rejects further joins and shuts down every session.
//
// Postcondition: Every session has drained.
func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	all := make([]*session.Session, 0, len(d.sessions))
	for k, s := range d.sessions {
		all = append(all, s)
		delete(d.sessions, k)
	}
	d.mu.Unlock()

	d.logger.Info("closing directory", zap.Int("sessions", len(all)))
	closeAll(all)
	d.cancel()
}
