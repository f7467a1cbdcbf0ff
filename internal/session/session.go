// Package session implements the per-game synchronizer. A Session collects
// a fixed number of player connections, then runs a fixed-interval loop that
// reads whatever input each player has sent and broadcasts one authoritative
// record, with a shared clock, to every player.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/config"
	"github.com/cory-johannsen/sessionsync/internal/input"
	"github.com/cory-johannsen/sessionsync/internal/observability"
	"github.com/cory-johannsen/sessionsync/internal/transport"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

var (
	// ErrSessionFull is returned by AddConnection when every slot is taken.
	ErrSessionFull = errors.New("session full")
	// ErrSessionInPlay is returned by AddConnection once the session has started.
	ErrSessionInPlay = errors.New("session in play")
)

// State is the lifecycle phase of a Session.
type State int

const (
	// Filling accepts joins; nothing is broadcast yet.
	Filling State = iota
	// Active runs the tick loop.
	Active
	// Draining means every slot is inactive. There is no way back.
	Draining
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Filling:
		return "filling"
	case Active:
		return "active"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndReason records why a session stopped.
type EndReason string

const (
	// EndDropout is a committed session torn down after a member's connection failed.
	EndDropout EndReason = "dropout"
	// EndAbandoned is a session that lost every member before it filled.
	EndAbandoned EndReason = "abandoned"
	// EndShutdown is a session closed by its owner.
	EndShutdown EndReason = "shutdown"
)

// Identity names a session. Game and Session form the lookup key; Players is
// fixed when the session is created.
type Identity struct {
	Game    string
	Session string
	Players int
}

// Info is a point-in-time description of a session.
type Info struct {
	ID          uuid.UUID
	Identity    Identity
	State       State
	Joined      int
	Paused      bool
	Clock       float64
	CreatedAt   time.Time
	ActivatedAt time.Time
}

// Recorder receives session lifecycle events. Implementations must not block.
type Recorder interface {
	SessionStarted(info Info)
	SessionEnded(info Info, reason EndReason)
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics reports tick and broadcast metrics to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRecorder reports start and end events to r.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithOnEnd registers fn to run once, without locks held, after the session drains.
func WithOnEnd(fn func(*Session)) Option {
	return func(s *Session) { s.onEnd = fn }
}

type member struct {
	conn *transport.Conn
	w    *wire.Writer
}

// Session is one synchronized game.
type Session struct {
	id       uuid.UUID
	identity Identity
	cfg      config.SessionConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	recorder Recorder
	onEnd    func(*Session)
	parent   context.Context

	mu          sync.Mutex
	state       State
	members     []member
	active      []bool
	slots       []input.Slot
	pendingKeys [][]uint16
	pendingMsgs [][]any
	pauseAcks   []bool
	paused      bool
	pauseCount  int
	clock       float64
	dirty       bool
	createdAt   time.Time
	activatedAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a Session in the Filling state. The tick loop, once started, ends
// when ctx is cancelled.
//
// Precondition: id.Players >= 1; cfg.TickInterval > 0; cfg.HeartBeat >= 1.
// Postcondition: Every slot is empty and each slot's message holds the creation
// time in Unix milliseconds, which peers may use as a shared seed.
func New(ctx context.Context, id Identity, cfg config.SessionConfig, logger *zap.Logger, opts ...Option) *Session {
	n := max(1, id.Players)
	id.Players = n
	s := &Session{
		id:          uuid.New(),
		identity:    id,
		cfg:         cfg,
		parent:      ctx,
		state:       Filling,
		members:     make([]member, n),
		active:      make([]bool, n),
		slots:       make([]input.Slot, n),
		pendingKeys: make([][]uint16, n),
		pendingMsgs: make([][]any, n),
		pauseAcks:   make([]bool, n),
		paused:      cfg.StartPaused,
		clock:       -1,
		dirty:       true,
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}
	seed := float64(s.createdAt.UnixMilli())
	for i := range s.slots {
		s.slots[i] = input.NewSlot()
		s.slots[i].Message = seed
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With(observability.SessionFields(s.id.String(), id.Game, id.Session)...)
	s.metrics.SessionCreated()
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() uuid.UUID { return s.id }

// Identity returns the session's name and size.
func (s *Session) Identity() Identity { return s.identity }

// Done is closed when the session has drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	return Info{
		ID:          s.id,
		Identity:    s.identity,
		State:       s.state,
		Joined:      s.joinedLocked(),
		Paused:      s.paused,
		Clock:       max(0, s.clock),
		CreatedAt:   s.createdAt,
		ActivatedAt: s.activatedAt,
	}
}

func (s *Session) joinedLocked() int {
	n := 0
	for _, a := range s.active {
		if a {
			n++
		}
	}
	return n
}

// Joined returns the number of slots holding an active connection.
func (s *Session) Joined() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedLocked()
}

// IsFull reports whether every slot holds an active connection.
func (s *Session) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedLocked() == len(s.active)
}

// IsActive reports whether any slot still holds an active connection. While
// filling it first re-announces the remaining count to every member, freeing
// the slots of members that have gone away.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Filling {
		s.announceLocked()
	}
	return s.joinedLocked() > 0
}

// AddConnection places conn in the first free slot and tells every member how
// many players are still missing. When the last slot fills the session sends
// its snapshot and starts ticking.
//
// On rejection the matching response string is written to conn, which stays
// with the caller. On success the session owns conn.
//
// Postcondition: Returns the slot index, or ErrSessionInPlay / ErrSessionFull.
func (s *Session) AddConnection(conn *transport.Conn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Filling {
		reject(conn, wire.ResponseInPlay)
		return -1, ErrSessionInPlay
	}
	s.probeLocked()

	idx := -1
	for i, a := range s.active {
		if !a {
			idx = i
			break
		}
	}
	if idx < 0 {
		reject(conn, wire.ResponseFull)
		return -1, ErrSessionFull
	}

	m := member{conn: conn, w: wire.NewWriter(conn)}
	m.w.String(wire.ResponseSuccess)
	m.w.Int(int32(idx))
	if err := m.w.Flush(); err != nil {
		return -1, fmt.Errorf("writing join response: %w", err)
	}
	s.members[idx] = m
	s.active[idx] = true

	s.logger.Info("player joined",
		zap.Int("slot", idx),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	s.announceLocked()
	if s.joinedLocked() == len(s.active) {
		s.activateLocked()
	}
	return idx, nil
}

func reject(conn *transport.Conn, response string) {
	w := wire.NewWriter(conn)
	w.String(response)
	_ = w.Flush()
}

// probeLocked frees filling slots whose peer has visibly gone away.
func (s *Session) probeLocked() {
	for i, a := range s.active {
		if a && s.members[i].conn.Closed() {
			s.brokenLocked(i, io.EOF)
		}
	}
}

// announceLocked sends the remaining-player count to every member until a
// round completes without freeing a slot.
func (s *Session) announceLocked() {
	for {
		s.probeLocked()
		left := int32(len(s.active) - s.joinedLocked())
		dropped := false
		for i, a := range s.active {
			if !a {
				continue
			}
			w := s.members[i].w
			w.Int(left)
			if err := w.Flush(); err != nil {
				s.brokenLocked(i, err)
				dropped = true
			}
		}
		if !dropped {
			return
		}
	}
}

func (s *Session) activateLocked() {
	s.state = Active
	s.clock = 0
	s.activatedAt = time.Now()

	for i := range s.members {
		if !s.active[i] {
			continue
		}
		w := s.members[i].w
		w.ResetCount()
		s.writeSnapshot(w)
		if err := w.Flush(); err != nil {
			s.brokenLocked(i, err)
			continue
		}
		s.metrics.Broadcast(observability.BroadcastSnapshot, w.Count())
	}
	// The snapshot delivered everything, including the seed messages.
	s.dirty = false
	s.consumeInputLocked()

	ctx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel
	s.metrics.SessionActivated()
	s.logger.Info("session active",
		zap.Int("players", len(s.slots)),
		zap.Bool("paused", s.paused),
		zap.Duration("tick", s.cfg.TickInterval),
	)
	if s.recorder != nil {
		s.recorder.SessionStarted(s.infoLocked())
	}
	go s.run(ctx)
}

func (s *Session) writeSnapshot(w *wire.Writer) {
	w.Int(int32(len(s.slots)))
	for _, slot := range s.slots {
		slot.Write(w)
	}
	w.Bool(s.paused)
}

// brokenLocked marks slot i inactive. Once the session has started every slot
// is torn down, since the missing player's input can never be recovered.
func (s *Session) brokenLocked(i int, err error) {
	if !s.active[i] {
		return
	}
	committed := s.state != Filling
	s.metrics.SlotDropped(committed)
	s.logger.Warn("player connection lost",
		zap.Int("slot", i),
		zap.Bool("committed", committed),
		zap.Error(err),
	)
	if !committed {
		s.releaseLocked(i)
		return
	}
	for j := range s.active {
		s.releaseLocked(j)
	}
}

func (s *Session) releaseLocked(i int) {
	if s.members[i].conn != nil {
		s.members[i].conn.Close()
	}
	s.members[i] = member{}
	s.active[i] = false
	s.pendingKeys[i] = nil
	s.pendingMsgs[i] = nil
	s.pauseAcks[i] = false
}

// Close ends the session and closes every member connection.
//
// Postcondition: The tick loop has exited and Done is closed.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
		return
	}
	s.end(EndShutdown)
}

// end drains the session once. Callbacks run without the lock held.
func (s *Session) end(reason EndReason) {
	s.mu.Lock()
	if s.state == Draining {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == Active
	if !wasActive && s.joinedLocked() == 0 {
		reason = EndAbandoned
	}
	s.state = Draining
	if s.cancel != nil {
		s.cancel()
	}
	for i := range s.active {
		s.releaseLocked(i)
	}
	info := s.infoLocked()
	if s.cancel == nil {
		close(s.done)
	}
	s.mu.Unlock()

	s.metrics.SessionEnded(string(reason), wasActive)
	s.logger.Info("session ended",
		zap.String("reason", string(reason)),
		zap.Float64("clock", info.Clock),
	)
	if wasActive && s.recorder != nil {
		s.recorder.SessionEnded(info, reason)
	}
	if s.onEnd != nil {
		s.onEnd(s)
	}
}
