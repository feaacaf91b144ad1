package plotter

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/nasa-jpl/drawpi/units"
	"github.com/nasa-jpl/drawpi/waveform"
)

// AxisConfig is the wiring and size of one axis
type AxisConfig struct {
	StepPin    int `yaml:"StepPin"`
	DirPin     int `yaml:"DirPin"`
	EndstopPin int `yaml:"EndstopPin"`

	// Inverted swaps the direction pin polarity
	Inverted bool `yaml:"Inverted"`

	// EndstopInverted is true if the endstop reads low when closed
	EndstopInverted bool `yaml:"EndstopInverted"`

	// Extent is the length of travel in mm
	Extent float64 `yaml:"Extent"`
}

// PenConfig is the servo pulse width for each pen state and the time the
// pen takes to get there
type PenConfig struct {
	UpPulse   int           `yaml:"UpPulse"`
	DownPulse int           `yaml:"DownPulse"`
	Settle    time.Duration `yaml:"Settle"`
}

// Config is the static configuration of a plotter
type Config struct {
	StepsPerMM float64 `yaml:"StepsPerMM"`

	X AxisConfig `yaml:"X"`
	Y AxisConfig `yaml:"Y"`

	EnablePin       int  `yaml:"EnablePin"`
	EnableActiveLow bool `yaml:"EnableActiveLow"`

	Pen PenConfig `yaml:"Pen"`

	// GotoRate and ZeroRate are the feed rates of travel moves and homing,
	// in mm/s
	GotoRate float64 `yaml:"GotoRate"`
	ZeroRate float64 `yaml:"ZeroRate"`

	// DirSetup is the time the drivers need between a direction change and
	// the next step, in us
	DirSetup uint32 `yaml:"DirSetup"`

	Waveform waveform.Config `yaml:"Waveform"`

	Logger *log.Logger `yaml:"-"`
}

// DefaultConfig returns the configuration of the reference build: 100
// steps/mm belts on a 200x200 mm bed, drivers enabled high
func DefaultConfig() Config {
	return Config{
		StepsPerMM: 100,
		X:          AxisConfig{StepPin: 16, DirPin: 19, EndstopPin: 4, Extent: 200},
		Y:          AxisConfig{StepPin: 21, DirPin: 20, EndstopPin: 17, Inverted: true, Extent: 200},
		EnablePin:  22,
		Pen:        PenConfig{UpPulse: 2000, DownPulse: 1000, Settle: 300 * time.Millisecond},
		GotoRate:   20,
		ZeroRate:   5,
		DirSetup:   20,
		Waveform: waveform.Config{
			MaxPulsesPerChunk: waveform.DefaultMaxPulsesPerChunk,
			MaxInFlight:       waveform.DefaultMaxInFlight,
			PollInterval:      waveform.DefaultPollInterval},
	}
}

// Converter returns the unit converter for the configured steps per mm
func (c Config) Converter() units.Converter {
	return units.Converter{StepsPerMM: c.StepsPerMM}
}

// Validate checks the configuration, returning a *ConfigError for the first
// problem found
func (c Config) Validate() error {
	if !(c.StepsPerMM > 0) || math.IsInf(c.StepsPerMM, 0) {
		return &ConfigError{Field: "StepsPerMM", Reason: "must be a positive number"}
	}
	conv := c.Converter()
	for _, r := range []struct {
		field string
		rate  float64
	}{{"GotoRate", c.GotoRate}, {"ZeroRate", c.ZeroRate}} {
		if _, err := conv.FeedrateToDelay(r.rate); err != nil {
			return &ConfigError{Field: r.field, Reason: err.Error()}
		}
	}

	pins := map[int]string{}
	claim := func(field string, pin int) error {
		if pin < 0 || pin > 31 {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("GPIO %d is not 0-31", pin)}
		}
		if other, taken := pins[pin]; taken {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("GPIO %d is already used by %s", pin, other)}
		}
		pins[pin] = field
		return nil
	}
	for _, a := range []struct {
		name string
		cfg  AxisConfig
	}{{"X", c.X}, {"Y", c.Y}} {
		if err := claim(a.name+".StepPin", a.cfg.StepPin); err != nil {
			return err
		}
		if err := claim(a.name+".DirPin", a.cfg.DirPin); err != nil {
			return err
		}
		if err := claim(a.name+".EndstopPin", a.cfg.EndstopPin); err != nil {
			return err
		}
		if !(a.cfg.Extent > 0) || math.IsInf(a.cfg.Extent, 0) {
			return &ConfigError{Field: a.name + ".Extent", Reason: "must be a positive number of mm"}
		}
	}
	if err := claim("EnablePin", c.EnablePin); err != nil {
		return err
	}

	for _, w := range []struct {
		field string
		us    int
	}{{"Pen.UpPulse", c.Pen.UpPulse}, {"Pen.DownPulse", c.Pen.DownPulse}} {
		if w.us < 500 || w.us > 2500 {
			return &ConfigError{Field: w.field, Reason: fmt.Sprintf("servo pulse %d us is not 500-2500", w.us)}
		}
	}
	if c.Pen.Settle < 0 {
		return &ConfigError{Field: "Pen.Settle", Reason: "must not be negative"}
	}
	if c.Waveform.MaxPulsesPerChunk < 0 {
		return &ConfigError{Field: "Waveform.MaxPulsesPerChunk", Reason: "must not be negative"}
	}
	return nil
}
