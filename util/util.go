// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// SetBit returns mask with bit bitIndex set to value
func SetBit(mask uint32, bitIndex uint, value bool) uint32 {
	if value {
		return mask | (1 << bitIndex)
	}
	return mask &^ (1 << bitIndex)
}

// GetBit returns the value of a given bit in a mask
func GetBit(mask uint32, bitIndex uint) bool {
	return mask&(1<<bitIndex) != 0
}

// PinMask converts a list of GPIO numbers to a bank mask, bit n <=> GPIO n.
// Pins outside 0..31 are ignored.
func PinMask(pins ...int) uint32 {
	var mask uint32
	for _, p := range pins {
		if p < 0 || p > 31 {
			continue
		}
		mask = SetBit(mask, uint(p), true)
	}
	return mask
}

// Clamp restricts input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// Limiter holds a closed interval that a value must fall within
type Limiter struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// Check returns true if min <= input <= max
func (l Limiter) Check(input float64) bool {
	return input >= l.Min && input <= l.Max
}

// Clamp restricts input to the limiter's range
func (l Limiter) Clamp(input float64) float64 {
	return Clamp(input, l.Min, l.Max)
}
