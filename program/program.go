/*Package program reads plotter programs from yaml or json files.

A program is a list of steps with coordinates in mm:

	- Type: home
	- Type: goto
	  X: 10
	  Y: 10
	- Type: pen
	  Down: true
	- Type: line
	  X: 60
	  Y: 10
	  Feedrate: 20
	- Type: pen
	  Down: false

json is accepted as well, with the same keys.  zero is a synonym for home.
A line without a Feedrate is drawn at DefaultFeedrate.
*/
package program

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/go-yaml/yaml"

	"github.com/nasa-jpl/drawpi/plotter"
	"github.com/nasa-jpl/drawpi/point"
	"github.com/nasa-jpl/drawpi/units"
)

// DefaultFeedrate is the feed rate of lines that do not give one, in mm/s
const DefaultFeedrate = 10.

// Step is one entry of a program file
type Step struct {
	Type     string   `yaml:"Type" json:"Type"`
	X        *float64 `yaml:"X,omitempty" json:"X,omitempty"`
	Y        *float64 `yaml:"Y,omitempty" json:"Y,omitempty"`
	Feedrate float64  `yaml:"Feedrate,omitempty" json:"Feedrate,omitempty"`
	Down     *bool    `yaml:"Down,omitempty" json:"Down,omitempty"`
}

// Load reads a program file
func Load(path string, c units.Converter) ([]plotter.Command, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, c)
}

// Decode reads a program and converts it to commands, with c converting mm to
// steps.  A malformed step is a *plotter.CommandError.
func Decode(r io.Reader, c units.Converter) ([]plotter.Command, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var steps []Step
	if len(bytes.TrimSpace(b)) > 0 {
		if err := yaml.Unmarshal(b, &steps); err != nil {
			return nil, fmt.Errorf("decoding program: %w", err)
		}
	}
	return Commands(steps, c)
}

// Commands converts program steps to commands
func Commands(steps []Step, c units.Converter) ([]plotter.Command, error) {
	cmds := make([]plotter.Command, 0, len(steps))
	for i, s := range steps {
		cmd, reason := convert(s, c)
		if reason != "" {
			return nil, &plotter.CommandError{Index: i, Command: cmd, Reason: reason}
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func convert(s Step, c units.Converter) (plotter.Command, string) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "home", "zero":
		return plotter.Home(), ""
	case "pen":
		cmd := plotter.Pen(false)
		if s.Down == nil {
			return cmd, "pen step needs Down"
		}
		cmd.Down = *s.Down
		return cmd, ""
	case "goto":
		target, reason := coordinates(s, c)
		return plotter.Goto(target), reason
	case "line":
		target, reason := coordinates(s, c)
		f := s.Feedrate
		if f == 0 {
			f = DefaultFeedrate
		}
		cmd := plotter.Line(target, f)
		if reason == "" && (math.IsNaN(f) || math.IsInf(f, 0) || f < 0) {
			reason = fmt.Sprintf("feed rate %g is not a positive number", f)
		}
		return cmd, reason
	default:
		return plotter.Command{Kind: plotter.Kind(-1)}, fmt.Sprintf("unknown step type %q", s.Type)
	}
}

func coordinates(s Step, c units.Converter) (point.Point, string) {
	if s.X == nil || s.Y == nil {
		return point.Origin, s.Type + " step needs X and Y"
	}
	for _, v := range []float64{*s.X, *s.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return point.Origin, fmt.Sprintf("coordinate %g is not a finite number", v)
		}
	}
	return point.FromMM(*s.X, *s.Y, c), ""
}
