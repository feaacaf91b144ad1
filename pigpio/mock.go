package pigpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nasa-jpl/drawpi/pulse"
	"github.com/nasa-jpl/drawpi/util"
)

// default capacity of a pigpiod
const (
	DefaultMaxPulses = 12000
	DefaultMaxCBs    = 25016
)

// MockAxis is a carriage moved by a stepper wired to the Mock
type MockAxis struct {
	Step    int
	Dir     int
	Endstop int

	// DirInverted is true if a low direction pin moves towards positive
	DirInverted bool

	// EndstopInverted is true if the switch reads low when closed
	EndstopInverted bool

	// Position is the carriage position in steps.  The endstop is closed
	// whenever it is <= 0.
	Position int64

	// Broken endstops never close
	Broken bool
}

// Mock simulates a pigpiod with stepper drivers, endstops and a servo attached.
//
// Waves are played instantly, one per ActiveWave query: each query finishes
// the wave at the head of the play list, then reports the next one as active.
// QueriesPerWave holds each wave for more queries.
//
// The Mock is stricter than the daemon.  Deleting a wave that is playing or
// chained, or sending a wave unchained while another plays, is an error.
type Mock struct {
	MaxPulses      int
	MaxCBs         int
	QueriesPerWave int

	mu       sync.Mutex
	levels   uint32
	modes    map[int]Mode
	servos   map[int]int
	building []pulse.Event
	waves    map[int][]pulse.Event
	playlist []int
	queries  int
	axes     []MockAxis
	failures map[string]error

	uploaded []int
	freed    []int
	played   []pulse.Event
	resident int
}

// NewMock returns a Mock with the default capacity and the given axes
func NewMock(axes ...MockAxis) *Mock {
	return &Mock{
		MaxPulses:      DefaultMaxPulses,
		MaxCBs:         DefaultMaxCBs,
		QueriesPerWave: 1,
		modes:          map[int]Mode{},
		servos:         map[int]int{},
		waves:          map[int][]pulse.Event{},
		axes:           axes,
		failures:       map[string]error{},
	}
}

// Fail makes every later call of op return err.  A nil err clears it.
// ops are add, create, send, active, delete, headroom, read, write, servo.
func (m *Mock) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetMode sets the function of a GPIO
func (m *Mock) SetMode(pin int, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pin < 0 || pin > 31 {
		return Error(-2)
	}
	m.modes[pin] = mode
	return nil
}

// SetOutput makes pin an output
func (m *Mock) SetOutput(pin int) error {
	return m.SetMode(pin, Output)
}

// SetInput makes pin an input
func (m *Mock) SetInput(pin int) error {
	return m.SetMode(pin, Input)
}

// WritePin drives an output
func (m *Mock) WritePin(pin int, level bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["write"]; err != nil {
		return err
	}
	if pin < 0 || pin > 31 {
		return Error(-2)
	}
	m.levels = util.SetBit(m.levels, uint(pin), level)
	return nil
}

// ReadPin returns the level of a pin.  Endstop pins read their switch.
func (m *Mock) ReadPin(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["read"]; err != nil {
		return false, err
	}
	for _, a := range m.axes {
		if a.Endstop == pin {
			closed := !a.Broken && a.Position <= 0
			return closed != a.EndstopInverted, nil
		}
	}
	return util.GetBit(m.levels, uint(pin)), nil
}

// SetServoPulsewidth records the servo pulse width on pin
func (m *Mock) SetServoPulsewidth(pin, us int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["servo"]; err != nil {
		return err
	}
	if us != 0 && (us < 500 || us > 2500) {
		return Error(-7)
	}
	m.servos[pin] = us
	return nil
}

// WaveClear deletes every wave
func (m *Mock) WaveClear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.building = nil
	m.waves = map[int][]pulse.Event{}
	m.playlist = nil
	m.resident = 0
	return nil
}

// AddPulses appends events to the waveform under construction
func (m *Mock) AddPulses(events []pulse.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["add"]; err != nil {
		return err
	}
	if m.resident+len(m.building)+len(events) > m.MaxPulses {
		return Error(-36)
	}
	m.building = append(m.building, events...)
	return nil
}

// CreateWave turns the waveform under construction into a wave, using the
// lowest free id
func (m *Mock) CreateWave() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["create"]; err != nil {
		return 0, err
	}
	if len(m.building) == 0 {
		return 0, Error(-69)
	}
	if 2*(m.resident+len(m.building)) > m.MaxCBs {
		return 0, Error(-67)
	}
	id := 0
	for {
		if _, used := m.waves[id]; !used {
			break
		}
		id++
	}
	m.waves[id] = m.building
	m.resident += len(m.building)
	m.uploaded = append(m.uploaded, len(m.building))
	m.building = nil
	return id, nil
}

// SendWave adds a wave to the play list
func (m *Mock) SendWave(id int, chained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["send"]; err != nil {
		return err
	}
	if _, ok := m.waves[id]; !ok {
		return Error(-66)
	}
	if !chained && len(m.playlist) > 0 {
		return fmt.Errorf("mock: unchained send of wave %d would interrupt wave %d", id, m.playlist[0])
	}
	if len(m.playlist) == 0 {
		m.queries = 0
	}
	m.playlist = append(m.playlist, id)
	return nil
}

// ActiveWave plays out the wave at the head of the play list and reports the
// next one
func (m *Mock) ActiveWave() (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["active"]; err != nil {
		return 0, false, err
	}
	if len(m.playlist) > 0 {
		m.queries++
		if m.queries >= m.QueriesPerWave {
			m.play(m.waves[m.playlist[0]])
			m.playlist = m.playlist[1:]
			m.queries = 0
		}
	}
	if len(m.playlist) == 0 {
		return 0, false, nil
	}
	return m.playlist[0], true, nil
}

// DeleteWave frees a wave that is not playing
func (m *Mock) DeleteWave(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["delete"]; err != nil {
		return err
	}
	for _, p := range m.playlist {
		if p == id {
			return fmt.Errorf("mock: wave %d deleted while on the play list", id)
		}
	}
	w, ok := m.waves[id]
	if !ok {
		return Error(-66)
	}
	m.resident -= len(w)
	delete(m.waves, id)
	m.freed = append(m.freed, id)
	return nil
}

// Headroom returns the free pulse and control block capacity
func (m *Mock) Headroom() (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["headroom"]; err != nil {
		return 0, 0, err
	}
	used := m.resident + len(m.building)
	return m.MaxPulses - used, m.MaxCBs - 2*used, nil
}

// play applies events to the pins and moves the carriages on rising step edges
func (m *Mock) play(events []pulse.Event) {
	m.played = append(m.played, events...)
	for _, e := range events {
		prev := m.levels
		m.levels = (m.levels | e.Set) &^ e.Reset
		rising := e.Set &^ prev
		for i := range m.axes {
			a := &m.axes[i]
			if !util.GetBit(rising, uint(a.Step)) {
				continue
			}
			high := util.GetBit(m.levels, uint(a.Dir))
			if high == pulse.Level(true, a.DirInverted) {
				a.Position++
			} else {
				a.Position--
			}
		}
	}
}

// ErrNoAxis is returned by Position for an axis index the Mock does not have
var ErrNoAxis = errors.New("mock has no such axis")

// Position returns the carriage position of axis i
func (m *Mock) Position(i int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.axes) {
		return 0, ErrNoAxis
	}
	return m.axes[i].Position, nil
}

// Level returns the last level driven on pin
func (m *Mock) Level(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return util.GetBit(m.levels, uint(pin))
}

// PinMode returns the mode of a pin, and false if it was never set
func (m *Mock) PinMode(pin int) (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

// ServoWidth returns the last servo pulse width set on pin
func (m *Mock) ServoWidth(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servos[pin]
}

// Uploaded returns the length of every wave created, in order
func (m *Mock) Uploaded() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.uploaded...)
}

// Freed returns the id of every wave deleted, in order
func (m *Mock) Freed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.freed...)
}

// Played returns every event played so far, in order
func (m *Mock) Played() []pulse.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pulse.Event(nil), m.played...)
}

// Resident returns the number of waves held by the Mock
func (m *Mock) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waves)
}
