package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/input"
	"github.com/cory-johannsen/sessionsync/internal/observability"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if s.step() {
			return
		}
		select {
		case <-ctx.Done():
			s.end(EndShutdown)
			return
		case <-ticker.C:
		}
	}
}

// step runs one tick: read everything the players have sent, settle the pause
// state, broadcast, and consume edge-triggered input.
//
// Postcondition: Reports true once the session has drained.
func (s *Session) step() bool {
	start := time.Now()

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return true
	}

	wasPaused := s.paused
	for i := range s.active {
		s.readAvailableLocked(i)
	}

	switch {
	case s.paused && !wasPaused:
		// The tick that pauses the game acknowledges it with a full record.
		s.pauseCount = 0
		s.dirty = true
		s.broadcastLocked(observability.BroadcastFull)
		s.consumeInputLocked()
	case s.paused:
		s.pauseCount++
		if s.pauseCount%max(1, s.cfg.HeartBeat) == 0 {
			s.pauseCount = 0
			changed := s.dirty
			s.broadcastLocked(observability.BroadcastHeartbeat)
			if changed {
				s.consumeInputLocked()
			}
		}
	default:
		s.pauseCount = 0
		s.clock += s.cfg.TickInterval.Seconds()
		kind := observability.BroadcastDelta
		if s.dirty {
			kind = observability.BroadcastFull
		}
		s.broadcastLocked(kind)
		s.consumeInputLocked()
	}

	live := s.joinedLocked() > 0
	s.mu.Unlock()

	s.metrics.Tick(time.Since(start).Seconds())
	if !live {
		s.end(EndDropout)
		return true
	}
	return false
}

// inbound is one decoded player record.
type inbound struct {
	changed bool
	keys    input.Keyboard
	mouse   input.Mouse
	message any
	toggle  bool
}

// decodeInbound reads one record from r. Nothing is applied, so a record cut
// short by the end of r can be retried once the rest arrives.
func decodeInbound(r *wire.Reader) inbound {
	rec := inbound{changed: r.Bool()}
	if !rec.changed {
		return rec
	}
	rec.keys = input.NewKeyboard()
	rec.keys.Read(r)
	rec.mouse.Read(r)
	rec.message = input.ReadMessage(r)
	rec.toggle = r.Bool()
	return rec
}

// readAvailableLocked applies every complete record already waiting on slot
// i's connection. A partial record stays buffered for a later tick.
func (s *Session) readAvailableLocked(i int) {
	if !s.active[i] {
		return
	}
	conn := s.members[i].conn
	if buf := conn.Peek(); len(buf) > 0 {
		br := bytes.NewReader(buf)
		r := wire.NewReader(br)
		consumed := 0
		for br.Len() > 0 {
			rec := decodeInbound(r)
			if err := r.Err(); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					s.brokenLocked(i, err)
					return
				}
				break
			}
			consumed = len(buf) - br.Len()
			s.applyLocked(i, rec)
		}
		conn.Discard(consumed)
	}
	if conn.Closed() {
		s.brokenLocked(i, io.EOF)
	}
}

// applyLocked merges one inbound record into slot i. A key or message that
// arrives before the previous one was broadcast is queued behind it; mouse
// state is simply overwritten.
func (s *Session) applyLocked(i int, rec inbound) {
	if !rec.changed {
		return
	}
	slot := &s.slots[i]

	if rec.keys.Pressed() {
		if slot.Keyboard.Pressed() {
			s.pendingKeys[i] = append(s.pendingKeys[i], rec.keys.Key)
		} else {
			slot.Keyboard = rec.keys
		}
	}

	slot.Mouse.Apply(rec.mouse)

	if rec.message != nil {
		if slot.Message != nil {
			s.pendingMsgs[i] = append(s.pendingMsgs[i], rec.message)
		} else {
			slot.Message = rec.message
		}
	}

	if rec.toggle {
		s.paused = !s.paused
		s.pauseAcks[i] = true
		s.logger.Debug("pause toggled",
			zap.Int("slot", i),
			zap.Bool("paused", s.paused),
		)
	}
	s.dirty = true
}

// broadcastLocked writes the tick record to every active slot, then flushes
// them all together. A changed record tells each recipient whether a pause
// request of theirs was applied since their last changed record.
func (s *Session) broadcastLocked(kind string) {
	if !s.dirty && kind == observability.BroadcastFull {
		kind = observability.BroadcastDelta
	}
	for i, a := range s.active {
		if !a {
			continue
		}
		w := s.members[i].w
		w.ResetCount()
		w.Double(s.clock)
		w.Bool(s.dirty)
		if s.dirty {
			for _, slot := range s.slots {
				slot.Write(w)
			}
			w.Bool(s.paused)
			w.Bool(s.pauseAcks[i])
		}
	}
	for i, a := range s.active {
		if !a {
			continue
		}
		w := s.members[i].w
		if err := w.Flush(); err != nil {
			s.brokenLocked(i, err)
			continue
		}
		s.metrics.Broadcast(kind, w.Count())
		if s.dirty {
			s.pauseAcks[i] = false
		}
	}
	s.dirty = false
}

// consumeInputLocked clears what was just broadcast so each keystroke, click
// and message is delivered once, then promotes one queued item per slot.
func (s *Session) consumeInputLocked() {
	for i := range s.slots {
		slot := &s.slots[i]
		slot.Mouse.ClearClicks()
		if q := s.pendingKeys[i]; len(q) > 0 {
			slot.Keyboard.Key = q[0]
			s.pendingKeys[i] = q[1:]
			s.dirty = true
		} else {
			slot.Keyboard.Clear()
		}
		if !slot.Mouse.Pressed() {
			slot.Mouse.Clear()
		}
		if q := s.pendingMsgs[i]; len(q) > 0 {
			slot.Message = q[0]
			s.pendingMsgs[i] = q[1:]
			s.dirty = true
		} else {
			slot.Message = nil
		}
	}
}
