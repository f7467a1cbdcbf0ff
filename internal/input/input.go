// Package input holds the per-player input state that sessions synchronize:
// the last key pressed, mouse position and clicks, and an optional message.
//
// Keystrokes and clicks are edge-triggered. They are set once, transmitted,
// and cleared; nothing here samples a key as "still held".
package input

import (
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

// Point is a position in normalized canvas coordinates.
type Point struct {
	X, Y float64
}

// Spot is an optional Point.
type Spot struct {
	Point
	Set bool
}

// At returns a set Spot at p.
func At(p Point) Spot { return Spot{Point: p, Set: true} }

func (s Spot) write(w *wire.Writer) {
	w.Bool(s.Set)
	if s.Set {
		w.Double(s.X)
		w.Double(s.Y)
	}
}

// read overwrites s only when the incoming spot is present.
func (s *Spot) read(r *wire.Reader) {
	if !r.Bool() {
		return
	}
	s.X = r.Double()
	s.Y = r.Double()
	s.Set = true
}

// Button identifies a mouse button.
type Button int

const (
	ButtonLeft Button = iota + 1
	ButtonMiddle
	ButtonRight
)

// Keyboard holds the last key pressed, or wire.KeyUndefined.
type Keyboard struct {
	Key uint16
}

// NewKeyboard returns a Keyboard with no key pressed.
func NewKeyboard() Keyboard {
	return Keyboard{Key: wire.KeyUndefined}
}

// Press records r as the last key. Runes outside the 16-bit key space are ignored.
func (k *Keyboard) Press(r rune) {
	if r < 0 || r >= rune(wire.KeyUndefined) {
		return
	}
	k.Key = uint16(r)
}

// Pressed reports whether a key is recorded.
func (k Keyboard) Pressed() bool { return k.Key != wire.KeyUndefined }

// LastKey returns the recorded key and whether there is one.
func (k Keyboard) LastKey() (rune, bool) {
	if !k.Pressed() {
		return 0, false
	}
	return rune(k.Key), true
}

// Clear forgets the recorded key.
func (k *Keyboard) Clear() { k.Key = wire.KeyUndefined }

// Write encodes the keyboard.
func (k Keyboard) Write(w *wire.Writer) { w.Char(k.Key) }

// Read decodes a keyboard. An undefined incoming key leaves the current key in place.
func (k *Keyboard) Read(r *wire.Reader) {
	if key := r.Char(); key != wire.KeyUndefined {
		k.Key = key
	}
}

// Mouse holds pointer state. Position is only set in the update after it
// changed; Location remembers the last known position across clears.
type Mouse struct {
	Down     bool
	Position Spot
	Click    Spot
	Left     Spot
	Middle   Spot
	Right    Spot

	last Point
}

// Move records a new pointer position.
func (m *Mouse) Move(p Point) {
	m.Position = At(p)
	m.last = p
}

// Press records a button press at p.
func (m *Mouse) Press(b Button, p Point) {
	m.Down = true
	m.Click = At(p)
	switch b {
	case ButtonLeft:
		m.Left = m.Click
	case ButtonMiddle:
		m.Middle = m.Click
	case ButtonRight:
		m.Right = m.Click
	}
}

// Release records that no button is held.
func (m *Mouse) Release() { m.Down = false }

// Pressed reports whether a button is held.
func (m Mouse) Pressed() bool { return m.Down }

// Location returns the last known pointer position.
func (m Mouse) Location() Point { return m.last }

// ClearClicks forgets all click positions.
func (m *Mouse) ClearClicks() {
	m.Click = Spot{}
	m.Left = Spot{}
	m.Middle = Spot{}
	m.Right = Spot{}
}

// Clear forgets position, clicks, and the held flag. Location is kept.
func (m *Mouse) Clear() {
	m.ClearClicks()
	m.Position = Spot{}
	m.Down = false
}

// Write encodes the mouse.
func (m Mouse) Write(w *wire.Writer) {
	w.Bool(m.Down)
	m.Position.write(w)
	m.Click.write(w)
	m.Left.write(w)
	m.Middle.write(w)
	m.Right.write(w)
}

// Read decodes a mouse. Absent points leave the current values in place.
func (m *Mouse) Read(r *wire.Reader) {
	m.Down = r.Bool()
	m.Position.read(r)
	if m.Position.Set {
		m.last = m.Position.Point
	}
	m.Click.read(r)
	m.Left.read(r)
	m.Middle.read(r)
	m.Right.read(r)
}

// Apply merges an update decoded into a fresh Mouse the same way Read would
// have merged it: the held flag is replaced and only present spots overwrite.
func (m *Mouse) Apply(u Mouse) {
	m.Down = u.Down
	for _, p := range []struct{ dst, src *Spot }{
		{&m.Position, &u.Position},
		{&m.Click, &u.Click},
		{&m.Left, &u.Left},
		{&m.Middle, &u.Middle},
		{&m.Right, &u.Right},
	} {
		if p.src.Set {
			*p.dst = *p.src
		}
	}
	if u.Position.Set {
		m.last = u.Position.Point
	}
}

// Slot is one player's synchronized input.
type Slot struct {
	Keyboard Keyboard
	Mouse    Mouse
	// Message is an arbitrary payload, nil when absent.
	Message any
}

// NewSlot returns an empty Slot.
func NewSlot() Slot {
	return Slot{Keyboard: NewKeyboard()}
}

// Write encodes keyboard, mouse, then the message with its presence flag.
func (s Slot) Write(w *wire.Writer) {
	s.Keyboard.Write(w)
	s.Mouse.Write(w)
	WriteMessage(w, s.Message)
}

// Read decodes a slot written by Write. The message is replaced, including by nil.
func (s *Slot) Read(r *wire.Reader) {
	s.Keyboard.Read(r)
	s.Mouse.Read(r)
	s.Message = ReadMessage(r)
}

// WriteMessage writes a presence flag and, when m is non-nil, the message.
func WriteMessage(w *wire.Writer, m any) {
	w.Bool(m != nil)
	if m != nil {
		w.Message(m)
	}
}

// ReadMessage reads a message written by WriteMessage.
func ReadMessage(r *wire.Reader) any {
	if !r.Bool() {
		return nil
	}
	return r.Message()
}

// Player is a read-only view of one slot handed to the game model.
type Player struct {
	Number   int
	Keyboard Keyboard
	Mouse    Mouse
	Message  any
}

// HasMessage reports whether the player sent a message this tick.
func (p Player) HasMessage() bool { return p.Message != nil }

// Players builds the read-only view of slots.
func Players(slots []Slot) []Player {
	out := make([]Player, len(slots))
	for i, s := range slots {
		out[i] = Player{Number: i, Keyboard: s.Keyboard, Mouse: s.Mouse, Message: s.Message}
	}
	return out
}
