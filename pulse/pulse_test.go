package pulse_test

import (
	"fmt"
	"testing"

	"github.com/nasa-jpl/drawpi/pulse"
)

// rawDecisions runs the bare Bresenham rule and returns one entry per decision
func rawDecisions(dx, dy int64) []pulse.Step {
	var (
		out  []pulse.Step
		x, y int64
		e    = dx - dy
	)
	for x != dx || y != dy {
		if e > 0 {
			out = append(out, pulse.StepX)
			x++
			e -= dy
		} else {
			out = append(out, pulse.StepY)
			y++
			e += dx
		}
	}
	return out
}

func ExampleLine() {
	l := pulse.NewLine(2, 3)
	for s, ok := l.Next(); ok; s, ok = l.Next() {
		fmt.Println(s.X(), s.Y())
	}
	// Output:
	// true true
	// false true
	// true true
}

func TestLineCounts(t *testing.T) {
	for dx := int64(0); dx <= 40; dx++ {
		for dy := int64(0); dy <= 40; dy++ {
			l := pulse.NewLine(dx, dy)
			var ticks, xs, ys int64
			for s, ok := l.Next(); ok; s, ok = l.Next() {
				ticks++
				if s.X() {
					xs++
				}
				if s.Y() {
					ys++
				}
				if xs > dx || ys > dy {
					t.Fatalf("(%d,%d): overshoot mid-sequence at tick %d, x=%d y=%d", dx, dy, ticks, xs, ys)
				}
			}
			max := dx
			if dy > max {
				max = dy
			}
			if ticks != max || ticks != l.Len() {
				t.Errorf("(%d,%d): expected %d ticks, got %d (Len %d)", dx, dy, max, ticks, l.Len())
			}
			if xs != dx || ys != dy {
				t.Errorf("(%d,%d): got %d X and %d Y pulses", dx, dy, xs, ys)
			}
		}
	}
}

func TestLineFollowsDecisionRule(t *testing.T) {
	for _, d := range [][2]int64{{300, 400}, {7, 3}, {3, 7}, {5, 5}, {1, 2}, {0, 9}, {9, 0}, {123, 457}} {
		dx, dy := d[0], d[1]
		major, minor := pulse.StepY, pulse.StepX
		if dx > dy {
			major, minor = pulse.StepX, pulse.StepY
		}
		var flat []pulse.Step
		l := pulse.NewLine(dx, dy)
		for s, ok := l.Next(); ok; s, ok = l.Next() {
			flat = append(flat, major)
			if s&minor != 0 {
				flat = append(flat, minor)
			}
		}
		raw := rawDecisions(dx, dy)
		if len(raw) != len(flat) {
			t.Fatalf("(%d,%d): %d decisions vs %d flattened steps", dx, dy, len(raw), len(flat))
		}
		for i := range raw {
			if raw[i] != flat[i] {
				t.Fatalf("(%d,%d): decision %d is %v, tick stream has %v", dx, dy, i, raw[i], flat[i])
			}
		}
	}
}

func TestLineTieFavoursY(t *testing.T) {
	l := pulse.NewLine(1, 1)
	s, ok := l.Next()
	if !ok || s != pulse.StepX|pulse.StepY {
		t.Errorf("expected a single diagonal tick, got %v", s)
	}
	l = pulse.NewLine(1, 2)
	s, _ = l.Next()
	if s != pulse.StepY {
		t.Errorf("first tick of (1,2) should be Y only, got %v", s)
	}
}

func TestLineRestartable(t *testing.T) {
	l := pulse.NewLine(17, 5)
	first := pulse.Expand(l, pulse.Masks{X: 1, Y: 2}, 100)
	if _, ok := l.Next(); ok {
		t.Fatal("sequence should be exhausted after Expand")
	}
	l.Reset()
	second := pulse.Expand(l, pulse.Masks{X: 1, Y: 2}, 100)
	if len(first) != len(second) {
		t.Fatalf("replay length differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("replay differs at %d", i)
		}
	}
}

func TestLineScenario(t *testing.T) {
	const (
		xStep = 1 << 16
		yStep = 1 << 21
	)
	events := pulse.Expand(pulse.NewLine(300, 400), pulse.Masks{X: xStep, Y: yStep}, 500)
	if len(events) != 800 {
		t.Fatalf("expected 800 events (400 ticks), got %d", len(events))
	}
	if n := pulse.Count(events, xStep); n != 300 {
		t.Errorf("expected 300 X pulses, got %d", n)
	}
	if n := pulse.Count(events, yStep); n != 400 {
		t.Errorf("expected 400 Y pulses, got %d", n)
	}
	if us := pulse.Duration(events); us != 400*500 {
		t.Errorf("expected %d us, got %d", 400*500, us)
	}
}

func TestTickSplitsOddDelay(t *testing.T) {
	tk := pulse.Tick(0x10, 501)
	if tk[0].Set != 0x10 || tk[0].Reset != 0 || tk[0].Delay != 250 {
		t.Errorf("bad rising edge %+v", tk[0])
	}
	if tk[1].Reset != 0x10 || tk[1].Set != 0 || tk[1].Delay != 251 {
		t.Errorf("bad falling edge %+v", tk[1])
	}
}

func TestGotoIndependentAxes(t *testing.T) {
	g := pulse.NewGoto(-150, 80)
	var ticks, both, xOnly int64
	for s, ok := g.Next(); ok; s, ok = g.Next() {
		ticks++
		switch s {
		case pulse.StepX | pulse.StepY:
			both++
		case pulse.StepX:
			xOnly++
		default:
			t.Fatalf("unexpected Y-only tick %d", ticks)
		}
	}
	if ticks != 150 || both != 80 || xOnly != 70 {
		t.Errorf("ticks=%d both=%d xOnly=%d", ticks, both, xOnly)
	}
}

func TestParallel(t *testing.T) {
	events := pulse.Parallel(200, []uint32{1, 2}, []int64{3, 1})
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[0].Set != 3 || events[2].Set != 1 || events[4].Set != 1 {
		t.Errorf("unexpected masks %+v", events)
	}
	if pulse.Count(events, 1) != 3 || pulse.Count(events, 2) != 1 {
		t.Error("wrong per-axis counts")
	}
}

func TestLevel(t *testing.T) {
	if !pulse.Level(true, false) || pulse.Level(true, true) || !pulse.Level(false, true) || pulse.Level(false, false) {
		t.Error("Level is not positive XOR inverted")
	}
}
