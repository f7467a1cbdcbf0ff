package input

// Canvas is the visible drawing area, in pixels, that raw pointer events are relative to.
type Canvas struct {
	Width  int
	Height int
}

// Aspect returns width over height, or 1 for an empty canvas.
func (c Canvas) Aspect() float64 {
	if c.Width <= 0 || c.Height <= 0 {
		return 1
	}
	return float64(c.Width) / float64(c.Height)
}

// Normalize maps a pixel position to canvas coordinates, where the shorter side
// spans [0,1]. Positions outside the canvas are clamped to its edge.
//
// Postcondition: X in [0, max(1, aspect)], Y in [0, max(1, 1/aspect)]. An empty
// canvas maps everything to the origin.
func (c Canvas) Normalize(x, y int) Point {
	if c.Width <= 0 || c.Height <= 0 {
		return Point{}
	}
	side := float64(min(c.Width, c.Height))
	p := Point{X: float64(x) / side, Y: float64(y) / side}

	aspect := c.Aspect()
	if aspect > 1 {
		p.X = min(aspect, p.X)
		p.Y = min(1, p.Y)
	} else {
		p.X = min(1, p.X)
		p.Y = min(1/aspect, p.Y)
	}
	p.X = max(0, p.X)
	p.Y = max(0, p.Y)
	return p
}
