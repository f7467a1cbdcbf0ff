package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/cory-johannsen/sessionsync/internal/input"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

// RoundTrip summarizes the delay between a send and the next record received.
type RoundTrip struct {
	Samples int
	Min     time.Duration
	Max     time.Duration
	total   time.Duration
}

// Avg returns the mean round trip, or zero before the first sample.
func (rt RoundTrip) Avg() time.Duration {
	if rt.Samples == 0 {
		return 0
	}
	return rt.total / time.Duration(rt.Samples)
}

func (rt *RoundTrip) add(d time.Duration) {
	if rt.Samples == 0 || d < rt.Min {
		rt.Min = d
	}
	if d > rt.Max {
		rt.Max = d
	}
	rt.total += d
	rt.Samples++
}

// RoundTrip returns the round-trip statistics gathered so far.
func (c *Client) RoundTrip() RoundTrip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// Poll applies every record that has already arrived from the session. Each
// applied record advances the model; the screen is refreshed once at the end
// when anything was applied.
//
// Postcondition: Returns the number of records applied. Once the session is
// gone every call returns ErrConnectionLost.
func (c *Client) Poll() (int, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if err := c.Err(); err != nil {
		return 0, err
	}

	applied := 0
	for c.conn.Buffered() > 0 {
		if err := c.readRecord(); err != nil {
			return applied, c.fail(err)
		}
		applied++
	}
	if applied > 0 {
		c.model.RefreshScreen()
		return applied, nil
	}
	if c.conn.Closed() {
		return 0, c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, c.conn.Err()))
	}
	return 0, nil
}

// readRecord decodes one tick record into a copy of the slots, then publishes it.
func (c *Client) readRecord() error {
	clock := c.r.Double()
	changed := c.r.Bool()

	var next []input.Slot
	var paused, acked bool
	if changed {
		c.mu.Lock()
		next = append([]input.Slot(nil), c.slots...)
		c.mu.Unlock()
		for i := range next {
			// keystrokes and clicks are edge-triggered: only this record's count
			next[i].Keyboard.Clear()
			next[i].Mouse.ClearClicks()
			next[i].Read(c.r)
		}
		paused = c.r.Bool()
		acked = c.r.Bool()
	}
	if err := c.r.Err(); err != nil {
		if errors.Is(err, wire.ErrProtocolViolation) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	toggled := false
	c.mu.Lock()
	if changed {
		c.slots = next
		if paused != c.paused {
			c.paused = paused
			toggled = true
		}
		// Simultaneous requests can cancel out, so only the session's
		// acknowledgement releases the guard.
		if acked {
			c.pausing = false
		}
	}
	if !c.sentAt.IsZero() {
		c.rtt.add(time.Since(c.sentAt))
		c.sentAt = time.Time{}
	}
	c.mu.Unlock()

	if toggled {
		c.model.PauseToggled(paused)
	}
	c.model.AdvanceModel(clock)

	// The model has seen this record's keystrokes, clicks and messages.
	c.mu.Lock()
	for i := range c.slots {
		c.slots[i].Keyboard.Clear()
		c.slots[i].Mouse.ClearClicks()
		c.slots[i].Message = nil
	}
	c.mu.Unlock()

	// Every record is acknowledged; an unchanged client sends a liveness ping.
	if err := c.SendIfChanged(); err != nil {
		return err
	}
	return nil
}
