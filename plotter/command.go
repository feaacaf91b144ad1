package plotter

import (
	"fmt"

	"github.com/nasa-jpl/drawpi/point"
)

// Kind is the type of a motion command
type Kind int

const (
	// KindGoto is a fast move, axes independent
	KindGoto Kind = iota

	// KindLine is a straight line at a feed rate
	KindLine

	// KindPen raises or lowers the pen
	KindPen

	// KindHome finds the endstops and resets the origin
	KindHome
)

func (k Kind) String() string {
	switch k {
	case KindGoto:
		return "goto"
	case KindLine:
		return "line"
	case KindPen:
		return "pen"
	case KindHome:
		return "home"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is one motion command.  Target is used by gotos and lines, Feedrate
// (mm/s) by lines, Down by pen commands.
type Command struct {
	Kind     Kind        `json:"kind"`
	Target   point.Point `json:"target"`
	Feedrate float64     `json:"feedrate,omitempty"`
	Down     bool        `json:"down,omitempty"`
}

// Goto returns a command moving to target
func Goto(target point.Point) Command {
	return Command{Kind: KindGoto, Target: target}
}

// Line returns a command drawing a line from the current position to target
func Line(target point.Point, feedrate float64) Command {
	return Command{Kind: KindLine, Target: target, Feedrate: feedrate}
}

// Pen returns a command lowering the pen if down, else raising it
func Pen(down bool) Command {
	return Command{Kind: KindPen, Down: down}
}

// Home returns a command homing both axes
func Home() Command {
	return Command{Kind: KindHome}
}

func (c Command) String() string {
	switch c.Kind {
	case KindGoto:
		return "goto " + c.Target.String()
	case KindLine:
		return fmt.Sprintf("line %s @ %g mm/s", c.Target, c.Feedrate)
	case KindPen:
		if c.Down {
			return "pen down"
		}
		return "pen up"
	default:
		return c.Kind.String()
	}
}
