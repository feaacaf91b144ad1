// Package point provides Point, the plotter's position type.  Points are
// values in motor steps; millimetres are a derived, lossy view.
package point

import (
	"fmt"

	"github.com/nasa-jpl/drawpi/units"
)

// Point is a position in steps
type Point struct {
	X int64 `json:"x" yaml:"X"`
	Y int64 `json:"y" yaml:"Y"`
}

// Origin is the home position
var Origin = Point{}

// New returns a point in steps
func New(x, y int64) Point {
	return Point{X: x, Y: y}
}

// FromMM converts a position in mm to steps using c
func FromMM(x, y float64, c units.Converter) Point {
	return Point{X: c.MMToSteps(x), Y: c.MMToSteps(y)}
}

// Add returns p+o
func (p Point) Add(o Point) Point {
	return Point{X: p.X + o.X, Y: p.Y + o.Y}
}

// Sub returns p-o
func (p Point) Sub(o Point) Point {
	return Point{X: p.X - o.X, Y: p.Y - o.Y}
}

// Abs returns the point with both components made non-negative
func (p Point) Abs() Point {
	return Point{X: abs(p.X), Y: abs(p.Y)}
}

// IsOrigin returns true if p is (0,0)
func (p Point) IsOrigin() bool {
	return p == Origin
}

// MM returns the x and y components of p in mm
func (p Point) MM(c units.Converter) (float64, float64) {
	return c.StepsToMM(p.X), c.StepsToMM(p.Y)
}

// XMM returns the x component in mm
func (p Point) XMM(c units.Converter) float64 {
	return c.StepsToMM(p.X)
}

// YMM returns the y component in mm
func (p Point) YMM(c units.Converter) float64 {
	return c.StepsToMM(p.Y)
}

func (p Point) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
