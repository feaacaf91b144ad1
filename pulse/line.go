package pulse

// Line is the coordinated interpolator used for drawing straight segments.
//
// It runs the integer Bresenham decision rule
//
//	e = dx - dy
//	while x != dx or y != dy:
//		if e > 0 { step X; e -= dy } else { step Y; e += dx }
//
// where a non-positive error favours Y.  The decision stream starts on the
// major axis (Y on ties) and never holds two minor-axis decisions in a row,
// so each tick is one major decision plus the minor decision following it, if
// any.  A line therefore takes max(dx, dy) ticks and steps X exactly dx times
// and Y exactly dy times.
type Line struct {
	dx, dy int64
	x, y   int64
	e      int64
	major  Step
}

// NewLine returns the interpolator for a displacement of (dx, dy) steps.
// Signs are ignored; direction is carried separately.
func NewLine(dx, dy int64) *Line {
	l := &Line{dx: abs(dx), dy: abs(dy), major: StepY}
	if l.dx > l.dy {
		l.major = StepX
	}
	l.Reset()
	return l
}

// Reset rewinds the line to its start
func (l *Line) Reset() {
	l.x, l.y = 0, 0
	l.e = l.dx - l.dy
}

// Len returns max(dx, dy)
func (l *Line) Len() int64 {
	if l.dx > l.dy {
		return l.dx
	}
	return l.dy
}

// Next returns the axes stepping in the next tick
func (l *Line) Next() (Step, bool) {
	if l.done() {
		return 0, false
	}
	s := l.decide()
	if !l.done() && l.peek() != l.major {
		s |= l.decide()
	}
	return s, true
}

func (l *Line) done() bool {
	return l.x == l.dx && l.y == l.dy
}

func (l *Line) peek() Step {
	if l.e > 0 {
		return StepX
	}
	return StepY
}

func (l *Line) decide() Step {
	if l.e > 0 {
		l.x++
		l.e -= l.dy
		return StepX
	}
	l.y++
	l.e += l.dx
	return StepY
}

// Goto is the uncoordinated interpolator used for travel moves.  Each axis
// steps every tick until it has covered its own distance, so the head moves
// diagonally and then straight along the longer axis.
type Goto struct {
	dx, dy int64
	x, y   int64
}

// NewGoto returns the travel interpolator for (dx, dy) steps, signs ignored
func NewGoto(dx, dy int64) *Goto {
	return &Goto{dx: abs(dx), dy: abs(dy)}
}

// Reset rewinds the move to its start
func (g *Goto) Reset() {
	g.x, g.y = 0, 0
}

// Len returns max(dx, dy)
func (g *Goto) Len() int64 {
	if g.dx > g.dy {
		return g.dx
	}
	return g.dy
}

// Next returns the axes stepping in the next tick
func (g *Goto) Next() (Step, bool) {
	var s Step
	if g.x < g.dx {
		g.x++
		s |= StepX
	}
	if g.y < g.dy {
		g.y++
		s |= StepY
	}
	return s, s != 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
