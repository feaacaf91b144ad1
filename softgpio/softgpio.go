/*Package softgpio is a pulse device built on periph.io GPIO, for boards
without a pigpio daemon.

Waves are kept in memory and played by a goroutine that toggles the pins and
times the delays with the Go scheduler.  Timing is only as good as the host
allows; a loaded machine stretches pulses, which steppers tolerate but which
makes the feed rate approximate.  pigpio's DMA engine should be preferred
where it is available.
*/
package softgpio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"strconv"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/nasa-jpl/drawpi/pulse"
)

// DefaultMaxPulses is the number of events the Device holds when none is configured
const DefaultMaxPulses = 12000

// spin is the part of a delay that is busy-waited rather than slept
const spin = 200 * time.Microsecond

var (
	// ErrNoSuchWave is returned for a wave id the Device does not hold
	ErrNoSuchWave = errors.New("no such wave")

	// ErrWaveBusy is returned when deleting a wave that is playing or queued
	ErrWaveBusy = errors.New("wave is playing or queued")

	// ErrFull is returned when a wave would exceed the Device's capacity
	ErrFull = errors.New("too many pulses")

	// ErrEmptyWave is returned when creating a wave with no events
	ErrEmptyWave = errors.New("empty waveform")
)

// Lookup returns the pin with a GPIO number
type Lookup func(n int) (gpio.PinIO, error)

// Registry looks pins up in the periph registry.  host.Init must have run.
func Registry(n int) (gpio.PinIO, error) {
	p := gpioreg.ByName(strconv.Itoa(n))
	if p == nil {
		return nil, fmt.Errorf("softgpio: no GPIO %d on this host", n)
	}
	return p, nil
}

// Device is a software pulse device.  Devices must be created with New or
// Open and released with Close.
type Device struct {
	MaxPulses int

	// Logger receives pin write failures during playback.  A pin that keeps
	// failing is reported once until it recovers.
	Logger *log.Logger

	lookup Lookup

	mu       sync.Mutex
	pins     map[int]gpio.PinIO
	failing  map[int]bool
	building []pulse.Event
	waves    map[int][]pulse.Event
	resident int
	playlist []int
	abort    bool

	kick   chan struct{}
	stop   context.CancelFunc
	done   chan struct{}
	closed sync.Once
}

// Open initialises the periph host drivers and returns a Device on the
// host's GPIO
func Open() (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("softgpio: initialising host: %w", err)
	}
	return New(Registry), nil
}

// New returns a Device using pins from lookup and starts its player
func New(lookup Lookup) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		MaxPulses: DefaultMaxPulses,
		Logger:    log.New(io.Discard, "", 0),
		lookup:    lookup,
		pins:      map[int]gpio.PinIO{},
		failing:   map[int]bool{},
		waves:     map[int][]pulse.Event{},
		kick:      make(chan struct{}, 1),
		stop:      cancel,
		done:      make(chan struct{}),
	}
	go d.play(ctx)
	return d
}

// Close stops the player
func (d *Device) Close() error {
	d.closed.Do(func() {
		d.stop()
		<-d.done
	})
	return nil
}

func (d *Device) pin(n int) (gpio.PinIO, error) {
	if p, ok := d.pins[n]; ok {
		return p, nil
	}
	p, err := d.lookup(n)
	if err != nil {
		return nil, err
	}
	d.pins[n] = p
	return p, nil
}

// SetOutput makes GPIO n an output, driven low
func (d *Device) SetOutput(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(n)
	if err != nil {
		return err
	}
	return p.Out(gpio.Low)
}

// SetInput makes GPIO n an input with its pull-up enabled, for switches that
// short to ground
func (d *Device) SetInput(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(n)
	if err != nil {
		return err
	}
	return p.In(gpio.PullUp, gpio.NoEdge)
}

// WritePin drives GPIO n
func (d *Device) WritePin(n int, level bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(n)
	if err != nil {
		return err
	}
	return p.Out(gpio.Level(level))
}

// ReadPin reads GPIO n
func (d *Device) ReadPin(n int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(n)
	if err != nil {
		return false, err
	}
	return bool(p.Read()), nil
}

// SetServoPulsewidth drives 50 Hz servo pulses of us microseconds on GPIO n.
// 0 stops them.
func (d *Device) SetServoPulsewidth(n, us int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(n)
	if err != nil {
		return err
	}
	if us == 0 {
		return p.Out(gpio.Low)
	}
	duty := gpio.Duty(int64(us) * int64(gpio.DutyMax) / 20000)
	return p.PWM(duty, 50*physic.Hertz)
}

// AddPulses appends events to the wave under construction
func (d *Device) AddPulses(events []pulse.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resident+len(d.building)+len(events) > d.MaxPulses {
		return ErrFull
	}
	d.building = append(d.building, events...)
	return nil
}

// CreateWave stores the wave under construction under the lowest free id
func (d *Device) CreateWave() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.building) == 0 {
		return 0, ErrEmptyWave
	}
	id := 0
	for {
		if _, used := d.waves[id]; !used {
			break
		}
		id++
	}
	d.waves[id] = d.building
	d.resident += len(d.building)
	d.building = nil
	return id, nil
}

// SendWave queues a wave for playback.  An unchained wave interrupts the
// wave playing and anything queued behind it.
func (d *Device) SendWave(id int, chained bool) error {
	d.mu.Lock()
	if _, ok := d.waves[id]; !ok {
		d.mu.Unlock()
		return ErrNoSuchWave
	}
	if !chained && len(d.playlist) > 0 {
		d.abort = true
		d.playlist = d.playlist[:1]
	}
	d.playlist = append(d.playlist, id)
	d.mu.Unlock()
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return nil
}

// ActiveWave returns the wave being played
func (d *Device) ActiveWave() (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// an aborted head is still draining and is reported as finished
	pl := d.playlist
	if d.abort && len(pl) > 0 {
		pl = pl[1:]
	}
	if len(pl) == 0 {
		return 0, false, nil
	}
	return pl[0], true, nil
}

// DeleteWave frees a wave that is not playing or queued
func (d *Device) DeleteWave(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.playlist {
		if p == id {
			return ErrWaveBusy
		}
	}
	w, ok := d.waves[id]
	if !ok {
		return ErrNoSuchWave
	}
	d.resident -= len(w)
	delete(d.waves, id)
	return nil
}

// Headroom returns the free event capacity.  Software playback has no
// control blocks, so both figures are in events, the second doubled.
func (d *Device) Headroom() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	free := d.MaxPulses - d.resident - len(d.building)
	return free, 2 * free, nil
}

// play is the player goroutine
func (d *Device) play(ctx context.Context) {
	defer close(d.done)
	for {
		d.mu.Lock()
		var wave []pulse.Event
		if len(d.playlist) > 0 {
			wave = d.waves[d.playlist[0]]
		}
		d.mu.Unlock()

		if wave == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.kick:
				continue
			}
		}

		d.playWave(ctx, wave)
		d.mu.Lock()
		d.playlist = d.playlist[1:]
		d.abort = false
		d.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Device) playWave(ctx context.Context, wave []pulse.Event) {
	next := time.Now()
	for _, e := range wave {
		d.mu.Lock()
		if d.abort {
			d.mu.Unlock()
			return
		}
		d.apply(e.Set, gpio.High)
		d.apply(e.Reset, gpio.Low)
		d.mu.Unlock()

		next = next.Add(time.Duration(e.Delay) * time.Microsecond)
		if !sleepUntil(ctx, next) {
			return
		}
	}
}

// apply drives every pin in mask to l.  Pins that fail to resolve are skipped;
// they were resolved when the plotter configured them.
func (d *Device) apply(mask uint32, l gpio.Level) {
	for n := 0; mask != 0; n++ {
		if mask&1 != 0 {
			if p, err := d.pin(n); err == nil {
				d.report(n, p.Out(l))
			}
		}
		mask >>= 1
	}
}

// report logs a failed write to GPIO n, once per run of failures
func (d *Device) report(n int, err error) {
	if err == nil {
		delete(d.failing, n)
		return
	}
	if d.failing[n] {
		return
	}
	d.failing[n] = true
	if d.Logger != nil {
		d.Logger.Printf("softgpio: writing GPIO %d: %v", n, err)
	}
}

// sleepUntil sleeps until t, spinning for the last stretch.  It returns false
// if ctx is done first.
func sleepUntil(ctx context.Context, t time.Time) bool {
	if rem := time.Until(t) - spin; rem > 0 {
		timer := time.NewTimer(rem)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	for time.Now().Before(t) {
		runtime.Gosched()
	}
	return ctx.Err() == nil
}
