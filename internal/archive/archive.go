// Package archive records session history off the tick path. Sessions hand
// events to a Recorder, which queues them and writes them to a Store from a
// single background goroutine.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/session"
)

// DefaultQueueSize is the number of events buffered before new ones are dropped.
const DefaultQueueSize = 256

// Start describes a session that has just filled.
type Start struct {
	ID          uuid.UUID
	Game        string
	Session     string
	Players     int
	ActivatedAt time.Time
}

// End describes how a session finished.
type End struct {
	ID      uuid.UUID
	EndedAt time.Time
	Reason  string
	Clock   float64
}

// Store persists session history.
type Store interface {
	RecordStart(ctx context.Context, s Start) error
	RecordEnd(ctx context.Context, e End) error
}

type event struct {
	start *Start
	end   *End
}

// Recorder implements session.Recorder by queueing events for a Store.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration

	queue   chan event
	quit    chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	dropped int
}

// NewRecorder creates a Recorder with room for queueSize pending events.
//
// Precondition: store and logger must be non-nil.
func NewRecorder(store Store, queueSize int, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan event, queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SessionStarted queues a start event.
func (r *Recorder) SessionStarted(info session.Info) {
	r.enqueue(event{start: &Start{
		ID:          info.ID,
		Game:        info.Identity.Game,
		Session:     info.Identity.Session,
		Players:     info.Identity.Players,
		ActivatedAt: info.ActivatedAt,
	}})
}

// SessionEnded queues an end event.
func (r *Recorder) SessionEnded(info session.Info, reason session.EndReason) {
	r.enqueue(event{end: &End{
		ID:      info.ID,
		EndedAt: time.Now(),
		Reason:  string(reason),
		Clock:   info.Clock,
	}})
}

func (r *Recorder) enqueue(ev event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped++
		r.logger.Warn("archive queue full, dropping event",
			zap.Int("dropped_total", r.dropped),
		)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start writes queued events until Stop is called. It blocks.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()
	defer close(r.stopped)

	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		case <-r.quit:
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	switch {
	case ev.start != nil:
		if err := r.store.RecordStart(ctx, *ev.start); err != nil {
			r.logger.Error("recording session start",
				zap.String("session_id", ev.start.ID.String()),
				zap.Error(err),
			)
		}
	case ev.end != nil:
		if err := r.store.RecordEnd(ctx, *ev.end); err != nil {
			r.logger.Error("recording session end",
				zap.String("session_id", ev.end.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// Stop rejects new events, writes what is queued, and waits for Start to return.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	close(r.quit)
	if started {
		<-r.stopped
	}
}
