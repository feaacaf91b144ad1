// Package units converts between millimetres, motor steps, step frequencies
// and the microsecond delays the pulse device is programmed with.
package units

import (
	"errors"
	"math"
)

var (
	// ErrNonPositiveFrequency is generated when a frequency or feed rate is zero or negative
	ErrNonPositiveFrequency = errors.New("frequency must be greater than zero")

	// ErrFrequencyTooHigh is generated when a frequency is so high that the
	// delay between pulses cannot be split into a rising and falling half
	ErrFrequencyTooHigh = errors.New("frequency too high, pulse delay below 2us")
)

// MinDelay is the smallest inter-pulse delay, in microseconds, that can be
// split into a rising and a falling half of at least 1us each
const MinDelay = 2

// Converter converts between mm and steps for a machine with a given resolution
type Converter struct {
	// StepsPerMM is the number of motor steps per millimetre of travel
	StepsPerMM float64
}

// MMToSteps converts mm to the nearest whole number of steps
func (c Converter) MMToSteps(mm float64) int64 {
	return int64(math.Round(mm * c.StepsPerMM))
}

// StepsToMM converts steps to mm
func (c Converter) StepsToMM(steps int64) float64 {
	return float64(steps) / c.StepsPerMM
}

// FeedrateToFrequency converts a feed rate in mm/s to a step frequency in Hz.
// The frequency is MMToSteps(feedrate), so whole steps per second.
func (c Converter) FeedrateToFrequency(mmPerSec float64) (float64, error) {
	if !(mmPerSec > 0) {
		return 0, ErrNonPositiveFrequency
	}
	if math.IsInf(mmPerSec, 1) {
		return 0, ErrFrequencyTooHigh
	}
	f := float64(c.MMToSteps(mmPerSec))
	if f <= 0 {
		return 0, ErrNonPositiveFrequency
	}
	return f, nil
}

// FeedrateToDelay is FeedrateToFrequency followed by FrequencyToDelay
func (c Converter) FeedrateToDelay(mmPerSec float64) (uint32, error) {
	f, err := c.FeedrateToFrequency(mmPerSec)
	if err != nil {
		return 0, err
	}
	return FrequencyToDelay(f)
}

// FrequencyToDelay converts x per second to the us delay between pulses
func FrequencyToDelay(hz float64) (uint32, error) {
	if !(hz > 0) {
		return 0, ErrNonPositiveFrequency
	}
	d := math.Round(1e6 / hz)
	if d < MinDelay {
		return 0, ErrFrequencyTooHigh
	}
	if d > math.MaxUint32 {
		d = math.MaxUint32
	}
	return uint32(d), nil
}
