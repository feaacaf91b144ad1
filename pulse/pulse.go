// Package pulse generates step pulse trains.
//
// A pulse train is a sequence of ticks.  Each tick steps one or more axes and
// is rendered as two Events: a rising edge on the step pins and, half a period
// later, a falling edge.  Events are the unit the pulse device plays back.
package pulse

// Event is one entry of a device waveform: the pins in Set rise, the pins in
// Reset fall, then the device waits Delay microseconds before the next event.
// Bit n of a mask is GPIO n.
type Event struct {
	Set   uint32 `json:"set"`
	Reset uint32 `json:"reset"`
	Delay uint32 `json:"delay"`
}

// Step is the set of axes that step in one tick
type Step uint8

const (
	// StepX steps the X axis
	StepX Step = 1 << iota

	// StepY steps the Y axis
	StepY
)

// X returns true if the X axis steps
func (s Step) X() bool { return s&StepX != 0 }

// Y returns true if the Y axis steps
func (s Step) Y() bool { return s&StepY != 0 }

// Sequence is a finite, restartable series of ticks
type Sequence interface {
	// Next returns the next tick, or false when the sequence is exhausted
	Next() (Step, bool)

	// Reset rewinds the sequence to its first tick
	Reset()

	// Len is the total number of ticks in the sequence
	Len() int64
}

// Masks maps axes to their step pins
type Masks struct {
	X uint32
	Y uint32
}

// Of returns the step pin mask for the axes in s
func (m Masks) Of(s Step) uint32 {
	var mask uint32
	if s.X() {
		mask |= m.X
	}
	if s.Y() {
		mask |= m.Y
	}
	return mask
}

// Tick renders one step of the pins in mask with a period of delay us.
// Odd delays give the extra microsecond to the falling half.
func Tick(mask, delay uint32) [2]Event {
	on := delay / 2
	return [2]Event{
		{Set: mask, Delay: on},
		{Reset: mask, Delay: delay - on},
	}
}

// Expand renders the remaining ticks of seq as events
func Expand(seq Sequence, m Masks, delay uint32) []Event {
	events := make([]Event, 0, 2*seq.Len())
	for s, ok := seq.Next(); ok; s, ok = seq.Next() {
		t := Tick(m.Of(s), delay)
		events = append(events, t[0], t[1])
	}
	return events
}

// Parallel renders a burst in which axis i steps counts[i] times on the pins
// masks[i].  All axes start together; tick k steps every axis with
// counts[i] > k.
func Parallel(delay uint32, masks []uint32, counts []int64) []Event {
	var n int64
	for _, c := range counts {
		if c > n {
			n = c
		}
	}
	events := make([]Event, 0, 2*n)
	for k := int64(0); k < n; k++ {
		var mask uint32
		for i, c := range counts {
			if c > k {
				mask |= masks[i]
			}
		}
		t := Tick(mask, delay)
		events = append(events, t[0], t[1])
	}
	return events
}

// Direction returns the event that drives the pins in high up and the pins in
// low down, then waits settle us before stepping may begin
func Direction(high, low, settle uint32) Event {
	return Event{Set: high, Reset: low, Delay: settle}
}

// Level returns the electrical level of a direction pin.  positive is the
// logical direction; inverted is the axis wiring polarity.
func Level(positive, inverted bool) bool {
	return positive != inverted
}

// Count returns the number of rising edges on any pin of mask in events
func Count(events []Event, mask uint32) int64 {
	var n int64
	for _, e := range events {
		if e.Set&mask != 0 {
			n++
		}
	}
	return n
}

// Duration returns the sum of the delays in events, in microseconds
func Duration(events []Event) uint64 {
	var us uint64
	for _, e := range events {
		us += uint64(e.Delay)
	}
	return us
}
