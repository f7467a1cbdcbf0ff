package input

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/sessionsync/internal/wire"
)

func encode(t *testing.T, write func(w *wire.Writer)) *wire.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	write(w)
	require.NoError(t, w.Flush())
	return wire.NewReader(&buf)
}

func TestKeyboard_PressAndClear(t *testing.T) {
	k := NewKeyboard()
	assert.False(t, k.Pressed())
	_, ok := k.LastKey()
	assert.False(t, ok)

	k.Press('x')
	r, ok := k.LastKey()
	require.True(t, ok)
	assert.Equal(t, 'x', r)

	k.Press(0x1F600)
	r, _ = k.LastKey()
	assert.Equal(t, 'x', r, "keys outside 16 bits are ignored")

	k.Clear()
	assert.False(t, k.Pressed())
}

func TestKeyboard_ReadUndefinedKeepsKey(t *testing.T) {
	k := NewKeyboard()
	k.Press('q')

	empty := NewKeyboard()
	r := encode(t, empty.Write)
	k.Read(r)
	require.NoError(t, r.Err())
	assert.Equal(t, uint16('q'), k.Key)

	other := NewKeyboard()
	other.Press('z')
	k.Read(encode(t, other.Write))
	assert.Equal(t, uint16('z'), k.Key)
}

func TestMouse_PressRecordsButtonSpot(t *testing.T) {
	var m Mouse
	p := Point{X: 0.5, Y: 0.25}
	m.Press(ButtonRight, p)
	assert.True(t, m.Pressed())
	assert.Equal(t, At(p), m.Click)
	assert.Equal(t, At(p), m.Right)
	assert.False(t, m.Left.Set)
	assert.False(t, m.Middle.Set)

	m.Release()
	assert.False(t, m.Pressed())
	assert.True(t, m.Click.Set, "release keeps the click until cleared")
}

func TestMouse_ClearKeepsLocation(t *testing.T) {
	var m Mouse
	m.Move(Point{X: 0.3, Y: 0.7})
	m.Press(ButtonLeft, Point{X: 0.3, Y: 0.7})
	m.Clear()

	assert.False(t, m.Position.Set)
	assert.False(t, m.Click.Set)
	assert.False(t, m.Left.Set)
	assert.False(t, m.Pressed())
	assert.Equal(t, Point{X: 0.3, Y: 0.7}, m.Location())
}

func TestMouse_ReadAbsentSpotsKeepValues(t *testing.T) {
	var m Mouse
	m.Move(Point{X: 0.1, Y: 0.2})
	m.Press(ButtonMiddle, Point{X: 0.1, Y: 0.2})

	var incoming Mouse
	incoming.Down = true
	r := encode(t, incoming.Write)
	m.Read(r)
	require.NoError(t, r.Err())

	assert.True(t, m.Down)
	assert.Equal(t, At(Point{X: 0.1, Y: 0.2}), m.Position)
	assert.Equal(t, At(Point{X: 0.1, Y: 0.2}), m.Middle)

	incoming.Move(Point{X: 0.9, Y: 0.9})
	incoming.Down = false
	m.Read(encode(t, incoming.Write))
	assert.False(t, m.Down)
	assert.Equal(t, Point{X: 0.9, Y: 0.9}, m.Location())
}

func drawSpot(t *rapid.T, label string) Spot {
	if !rapid.Bool().Draw(t, label+"_set") {
		return Spot{}
	}
	return At(Point{X: rapid.Float64Range(0, 2).Draw(t, label+"_x"), Y: rapid.Float64Range(0, 2).Draw(t, label+"_y")})
}

func drawMouse(t *rapid.T, label string) Mouse {
	m := Mouse{
		Down:     rapid.Bool().Draw(t, label+"_down"),
		Position: drawSpot(t, label+"_pos"),
		Click:    drawSpot(t, label+"_click"),
		Left:     drawSpot(t, label+"_left"),
		Middle:   drawSpot(t, label+"_middle"),
		Right:    drawSpot(t, label+"_right"),
	}
	if m.Position.Set {
		m.last = m.Position.Point
	}
	return m
}

func TestPropertyMouseApplyMatchesRead(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		current := drawMouse(rt, "current")
		update := drawMouse(rt, "update")

		var buf bytes.Buffer
		w := wire.NewWriter(&buf)
		update.Write(w)
		if err := w.Flush(); err != nil {
			rt.Fatal(err)
		}

		viaRead := current
		viaRead.Read(wire.NewReader(bytes.NewReader(buf.Bytes())))

		var decoded Mouse
		decoded.Read(wire.NewReader(bytes.NewReader(buf.Bytes())))
		viaApply := current
		viaApply.Apply(decoded)

		if viaRead != viaApply {
			rt.Fatalf("Read gave %+v, Apply gave %+v", viaRead, viaApply)
		}
	})
}

func TestSlot_ReadReplacesMessage(t *testing.T) {
	s := NewSlot()
	s.Message = "hello"

	empty := NewSlot()
	s.Read(encode(t, empty.Write))
	assert.Nil(t, s.Message)

	sent := NewSlot()
	sent.Message = map[string]any{"score": 3.0}
	s.Read(encode(t, sent.Write))
	assert.Equal(t, map[string]any{"score": 3.0}, s.Message)
}

func TestPlayers_NumbersSlots(t *testing.T) {
	slots := []Slot{NewSlot(), NewSlot()}
	slots[1].Keyboard.Press('k')
	slots[1].Message = "go"

	players := Players(slots)
	require.Len(t, players, 2)
	assert.Equal(t, 0, players[0].Number)
	assert.False(t, players[0].HasMessage())
	assert.Equal(t, 1, players[1].Number)
	assert.True(t, players[1].HasMessage())
	key, ok := players[1].Keyboard.LastKey()
	assert.True(t, ok)
	assert.Equal(t, 'k', key)
}

// Property: a slot read into a fresh slot reproduces what was written.
func TestPropertySlotRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		point := func(label string) Point {
			return Point{
				X: rapid.Float64Range(0, 2).Draw(rt, label+"x"),
				Y: rapid.Float64Range(0, 2).Draw(rt, label+"y"),
			}
		}
		src := NewSlot()
		if rapid.Bool().Draw(rt, "key") {
			src.Keyboard.Press(rune(rapid.Int32Range(0, 0x7FFF).Draw(rt, "rune")))
		}
		if rapid.Bool().Draw(rt, "move") {
			src.Mouse.Move(point("pos"))
		}
		if rapid.Bool().Draw(rt, "press") {
			src.Mouse.Press(Button(rapid.IntRange(1, 3).Draw(rt, "button")), point("click"))
		}
		if rapid.Bool().Draw(rt, "msg") {
			src.Message = rapid.StringMatching(`[a-z ]{0,12}`).Draw(rt, "text")
		}

		var buf bytes.Buffer
		w := wire.NewWriter(&buf)
		src.Write(w)
		if err := w.Flush(); err != nil {
			rt.Fatalf("flush: %v", err)
		}
		dst := NewSlot()
		r := wire.NewReader(&buf)
		dst.Read(r)
		if err := r.Err(); err != nil {
			rt.Fatalf("read: %v", err)
		}
		if dst.Keyboard != src.Keyboard {
			rt.Fatalf("keyboard: got %v, want %v", dst.Keyboard, src.Keyboard)
		}
		if dst.Mouse.Down != src.Mouse.Down || dst.Mouse.Position != src.Mouse.Position ||
			dst.Mouse.Click != src.Mouse.Click || dst.Mouse.Left != src.Mouse.Left ||
			dst.Mouse.Middle != src.Mouse.Middle || dst.Mouse.Right != src.Mouse.Right {
			rt.Fatalf("mouse: got %+v, want %+v", dst.Mouse, src.Mouse)
		}
		if dst.Message != src.Message {
			rt.Fatalf("message: got %v, want %v", dst.Message, src.Message)
		}
	})
}
