package client

import (
	"fmt"
	"time"

	"github.com/cory-johannsen/sessionsync/internal/input"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

// SendIfChanged writes this player's input to the session. While paused only a
// pending resume request is sent. An unchanged client writes a one-byte
// liveness record.
//
// Postcondition: Keystrokes, clicks and the message just written are cleared
// locally, so each is reported once.
func (c *Client) SendIfChanged() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked()
}

func (c *Client) sendLocked() error {
	if c.err != nil {
		return c.err
	}
	if c.paused && !c.sendPause {
		return nil
	}

	w := c.w
	w.Bool(c.changed)
	if c.changed {
		c.own.Keyboard.Write(w)
		c.own.Mouse.Write(w)
		input.WriteMessage(w, c.own.Message)
		w.Bool(c.sendPause)

		c.own.Keyboard.Clear()
		c.own.Mouse.ClearClicks()
		if !c.own.Mouse.Pressed() {
			c.own.Mouse.Clear()
		}
		c.own.Message = nil
		c.sendPause = false
		c.changed = false
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.sentAt = time.Now()
	return nil
}

// updateLocked marks local input changed and sends it. Keystrokes and clicks
// made while the game is paused, or about to be, are discarded.
func (c *Client) updateLocked() error {
	if c.pausing || c.paused {
		c.own.Keyboard.Clear()
		c.own.Mouse.ClearClicks()
	}
	c.changed = true
	return c.sendLocked()
}

// KeyPressed reports a key press.
func (c *Client) KeyPressed(r rune) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own.Keyboard.Press(r)
	return c.updateLocked()
}

// MouseMoved reports the pointer at pixel (x, y) of the canvas.
func (c *Client) MouseMoved(x, y int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own.Mouse.Move(c.canvas.Normalize(x, y))
	return c.updateLocked()
}

// MousePressed reports button b pressed at pixel (x, y).
func (c *Client) MousePressed(b input.Button, x, y int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own.Mouse.Press(b, c.canvas.Normalize(x, y))
	return c.updateLocked()
}

// MouseReleased reports that no button is held.
func (c *Client) MouseReleased() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own.Mouse.Release()
	return c.updateLocked()
}

// SendMessage delivers msg to every player with the next tick. msg must be
// representable as a protobuf Value: nil, bool, numbers, strings, []any or
// map[string]any. Anything else is rejected with wire.ErrUnsupportedMessage
// and leaves the connection untouched.
func (c *Client) SendMessage(msg any) error {
	if err := wire.CheckMessage(msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own.Message = msg
	return c.updateLocked()
}

// PauseToggle asks the session to pause or resume. Further calls are ignored
// until the session acknowledges that it applied the request, whether or not
// the pause state ended up changing.
func (c *Client) PauseToggle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pausing {
		return nil
	}
	c.sendPause = true
	err := c.updateLocked()
	c.pausing = true
	return err
}

// ClearInput forgets local and received keystrokes, clicks and messages.
func (c *Client) ClearInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own.Keyboard.Clear()
	c.own.Mouse.ClearClicks()
	for i := range c.slots {
		c.slots[i].Keyboard.Clear()
		c.slots[i].Mouse.ClearClicks()
		c.slots[i].Message = nil
	}
}
