/*Package waveform feeds step pulse trains to a device that plays waveforms
from its own memory, such as the pigpio daemon's DMA engine.

A pulse train is usually larger than the device can hold at once.  The Batcher
cuts it into chunks, uploads a chunk only when the device reports room for it,
chains each new chunk behind the one playing, and frees chunks after they
finish, oldest first.  Everything happens on one worker goroutine; callers only
append events and wait.

Typical use:

	b := waveform.New(dev, waveform.Config{MaxPulsesPerChunk: 680})
	defer b.Close()
	b.Add(events...)
	if err := b.WaitIdle(ctx); err != nil {
		return err
	}

Device errors are not retried.  The first one is kept as a *HardwareFault, the
worker stops, and every later Add or WaitIdle returns the fault.
*/
package waveform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/drawpi/pulse"
)

const (
	// DefaultMaxPulsesPerChunk is the chunk size used when none is configured
	DefaultMaxPulsesPerChunk = 680

	// DefaultMaxInFlight is the number of chunks that may be resident on the
	// device at once: the one playing and the one chained behind it
	DefaultMaxInFlight = 2

	// DefaultPollInterval is the pace at which the worker polls the device
	DefaultPollInterval = time.Millisecond
)

// ErrClosed is returned when events are added to a closed Batcher
var ErrClosed = errors.New("waveform batcher is closed")

// UnknownWave is reported by ActiveWave when the device is playing a wave it
// cannot name.  Nothing is freed while it is reported.
const UnknownWave = -1

// closingDelay is the length of the event that lowers pins left high by a
// Cancel, in microseconds
const closingDelay = 10

// Device plays waveforms.  Wave handles are issued by the device and may be
// reused once freed.
type Device interface {
	// AddPulses appends events to the waveform under construction
	AddPulses(events []pulse.Event) error

	// CreateWave turns the waveform under construction into a wave
	CreateWave() (int, error)

	// SendWave plays a wave once.  If chained, it begins when the wave
	// currently playing ends.
	SendWave(id int, chained bool) error

	// ActiveWave returns the wave being played; playing is false when idle.
	// id is UnknownWave if the device is playing but cannot say which wave.
	ActiveWave() (id int, playing bool, err error)

	// DeleteWave frees the memory held by a wave
	DeleteWave(id int) error

	// Headroom returns the free pulse and control block capacity
	Headroom() (pulses, cbs int, err error)
}

// HardwareFault is the error kept after the device fails an operation
type HardwareFault struct {
	Op  string
	Err error
}

func (f *HardwareFault) Error() string {
	return fmt.Sprintf("hardware fault during %s: %v", f.Op, f.Err)
}

// Unwrap returns the device error
func (f *HardwareFault) Unwrap() error {
	return f.Err
}

// Config holds the tunables of a Batcher.  The zero value of each field
// selects its default.
type Config struct {
	// MaxPulsesPerChunk is the largest number of events uploaded as one wave
	MaxPulsesPerChunk int `yaml:"MaxPulsesPerChunk"`

	// MaxInFlight is the number of chunks resident on the device at once
	MaxInFlight int `yaml:"MaxInFlight"`

	// PollInterval paces the worker while there is work to do
	PollInterval time.Duration `yaml:"PollInterval"`

	// Logger receives errors, and chunk traffic if Verbose
	Logger *log.Logger `yaml:"-"`

	Verbose bool `yaml:"Verbose"`

	// IdleLow is the mask of pins that must be low when the stream stops,
	// such as step pins.  Cancel lowers any of them that uploaded events left
	// high.
	IdleLow uint32 `yaml:"-"`

	// Metrics, if not nil, is updated by the worker
	Metrics *Metrics `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxPulsesPerChunk <= 0 {
		c.MaxPulsesPerChunk = DefaultMaxPulsesPerChunk
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	return c
}

// Status is a snapshot of the Batcher's bookkeeping
type Status struct {
	Staged   int  `json:"staged"`
	Queued   int  `json:"queued"`
	InFlight int  `json:"inFlight"`
	Idle     bool `json:"idle"`
}

// Batcher streams events to a Device.  It is safe for concurrent use.
// Batchers must be created with New.
type Batcher struct {
	dev     Device
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	staging  []pulse.Event
	queue    [][]pulse.Event
	inflight []int
	levels   uint32 // pin levels after the last uploaded event
	idle     chan struct{} // closed while idle
	isIdle   bool
	fault    error
	faulted  chan struct{} // closed when fault is set
	closed   bool

	wake      chan struct{}
	stop      context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	resetMu   sync.Mutex
}

// New returns a Batcher feeding dev and starts its worker
func New(dev Device, cfg Config) *Batcher {
	cfg = cfg.withDefaults()
	idle := make(chan struct{})
	close(idle)
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		dev:     dev,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		idle:    idle,
		isIdle:  true,
		faulted: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		stop:    cancel,
		done:    make(chan struct{}),
	}
	go b.run(ctx, b.done)
	return b
}

// Add appends events to the stream.  Each time MaxPulsesPerChunk events have
// accumulated they are sealed into a chunk and queued for upload; a partial
// chunk waits for more events or a Flush.
func (b *Batcher) Add(events ...pulse.Event) error {
	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if len(events) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.busyLocked()
	sealed := false
	for len(events) > 0 {
		n := b.cfg.MaxPulsesPerChunk - len(b.staging)
		if n > len(events) {
			n = len(events)
		}
		b.staging = append(b.staging, events[:n]...)
		events = events[n:]
		if len(b.staging) == b.cfg.MaxPulsesPerChunk {
			b.sealLocked()
			sealed = true
		}
	}
	b.mu.Unlock()
	if sealed {
		b.signal()
	}
	return nil
}

// Flush seals the staged events into a chunk, even if it is not full
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.sealLocked()
	b.mu.Unlock()
	b.signal()
}

// Cancel drops every event that has not been uploaded and returns them in
// order.  Chunks already on the device play out.  If they leave any IdleLow
// pin high, a closing event lowering those pins is queued behind them, so a
// pulse cut in half by a chunk boundary is completed.
func (b *Batcher) Cancel() []pulse.Event {
	b.mu.Lock()
	var dropped []pulse.Event
	for _, chunk := range b.queue {
		dropped = append(dropped, chunk...)
	}
	dropped = append(dropped, b.staging...)
	b.queue = nil
	b.staging = nil
	if high := b.levels & b.cfg.IdleLow; high != 0 && b.usableLocked() == nil {
		b.queue = [][]pulse.Event{{{Reset: high, Delay: closingDelay}}}
		b.busyLocked()
	}
	b.cfg.Metrics.setQueued(len(b.queue))
	b.mu.Unlock()
	b.signal()
	if len(dropped) > 0 && b.cfg.Verbose {
		b.cfg.Logger.Printf("waveform: cancelled %d events", len(dropped))
	}
	return dropped
}

// WaitIdle flushes the stream and blocks until the device has played
// everything, the Batcher faults, or ctx is done
func (b *Batcher) WaitIdle(ctx context.Context) error {
	b.Flush()
	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	idle, faulted := b.idle, b.faulted
	b.mu.Unlock()
	select {
	case <-idle:
		return b.Err()
	case <-faulted:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of events not yet uploaded to the device
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.staging)
	for _, chunk := range b.queue {
		n += len(chunk)
	}
	return n
}

// Idle returns true if nothing is staged, queued, or playing
func (b *Batcher) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isIdle
}

// Status returns a snapshot of the Batcher's bookkeeping
func (b *Batcher) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Staged:   len(b.staging),
		Queued:   len(b.queue),
		InFlight: len(b.inflight),
		Idle:     b.isIdle}
}

// Err returns the hardware fault, if one has occurred
func (b *Batcher) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fault
}

// Reset clears a hardware fault and restarts the worker.  Staged and queued
// events are dropped along with the record of waves on the device, so the
// device's waves should be cleared before the next upload.  Reset does
// nothing if there is no fault.
func (b *Batcher) Reset() error {
	b.resetMu.Lock()
	defer b.resetMu.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.fault == nil {
		b.mu.Unlock()
		return nil
	}
	done := b.done
	b.mu.Unlock()
	// the worker exits once it has faulted
	<-done

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.fault = nil
	b.faulted = make(chan struct{})
	b.staging, b.queue, b.inflight = nil, nil, nil
	b.levels = 0
	b.cfg.Metrics.setQueued(0)
	b.idleLocked()
	ctx, cancel := context.WithCancel(context.Background())
	b.stop, b.done = cancel, make(chan struct{})
	go b.run(ctx, b.done)
	b.cfg.Logger.Println("waveform: reset after fault")
	return nil
}

// Close stops the worker.  Waves still on the device are not freed.
func (b *Batcher) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		stop, done := b.stop, b.done
		b.mu.Unlock()
		stop()
		<-done
	})
	return nil
}

func (b *Batcher) usableLocked() error {
	if b.fault != nil {
		return b.fault
	}
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *Batcher) sealLocked() {
	if len(b.staging) == 0 {
		return
	}
	b.queue = append(b.queue, b.staging)
	b.staging = nil
	b.cfg.Metrics.setQueued(len(b.queue))
}

func (b *Batcher) busyLocked() {
	if b.isIdle {
		b.isIdle = false
		b.idle = make(chan struct{})
	}
}

func (b *Batcher) idleLocked() {
	if !b.isIdle {
		b.isIdle = true
		close(b.idle)
	}
}

func (b *Batcher) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Batcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		idle, err := b.service()
		if err != nil {
			b.setFault(err)
			return
		}
		if idle {
			select {
			case <-ctx.Done():
				return
			case <-b.wake:
			}
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
	}
}

// service does one round of device bookkeeping and returns true if there is
// nothing left to do
func (b *Batcher) service() (bool, error) {
	active, playing, err := b.dev.ActiveWave()
	if err != nil {
		return false, &HardwareFault{Op: "active wave query", Err: err}
	}
	if err := b.reap(active, playing); err != nil {
		return false, err
	}

	b.mu.Lock()
	if len(b.queue) == 0 || len(b.inflight) >= b.cfg.MaxInFlight {
		idle := !playing && len(b.queue) == 0 && len(b.staging) == 0 && len(b.inflight) == 0
		if idle {
			b.idleLocked()
		}
		b.mu.Unlock()
		return idle, nil
	}
	b.mu.Unlock()

	pulses, cbs, err := b.dev.Headroom()
	if err != nil {
		return false, &HardwareFault{Op: "headroom query", Err: err}
	}

	// the queue may have been cancelled while the device was queried
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return false, nil
	}
	chunk := b.queue[0]
	if pulses < len(chunk) || cbs < 2*len(chunk) {
		b.mu.Unlock()
		if b.cfg.Verbose {
			b.cfg.Logger.Printf("waveform: waiting for room, need %d pulses, have %d pulses %d cbs", len(chunk), pulses, cbs)
		}
		return false, nil
	}
	b.queue[0] = nil
	b.queue = b.queue[1:]
	chained := len(b.inflight) > 0
	for _, e := range chunk {
		b.levels = (b.levels | e.Set) &^ e.Reset
	}
	b.cfg.Metrics.setQueued(len(b.queue))
	b.mu.Unlock()

	id, err := b.upload(chunk, chained)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	b.inflight = append(b.inflight, id)
	b.mu.Unlock()
	b.cfg.Metrics.uploaded(len(chunk))
	if b.cfg.Verbose {
		b.cfg.Logger.Printf("waveform: sent wave %d with %d pulses, chained=%t", id, len(chunk), chained)
	}
	return false, nil
}

func (b *Batcher) upload(chunk []pulse.Event, chained bool) (int, error) {
	if err := b.dev.AddPulses(chunk); err != nil {
		return 0, &HardwareFault{Op: "pulse upload", Err: err}
	}
	id, err := b.dev.CreateWave()
	if err != nil {
		return 0, &HardwareFault{Op: "wave create", Err: err}
	}
	if err := b.dev.SendWave(id, chained); err != nil {
		return 0, &HardwareFault{Op: "wave send", Err: err}
	}
	return id, nil
}

// reap frees the waves that have finished.  Waves play in the order they were
// sent, so everything ahead of the active wave is done, and everything is
// done when nothing plays.  Nothing is freed while the active wave is unknown.
func (b *Batcher) reap(active int, playing bool) error {
	for {
		b.mu.Lock()
		if len(b.inflight) == 0 || (playing && (active == UnknownWave || b.inflight[0] == active)) {
			b.mu.Unlock()
			return nil
		}
		id := b.inflight[0]
		b.mu.Unlock()

		if err := b.dev.DeleteWave(id); err != nil {
			return &HardwareFault{Op: "wave delete", Err: err}
		}
		b.mu.Lock()
		b.inflight = b.inflight[1:]
		b.mu.Unlock()
		b.cfg.Metrics.freed()
		if b.cfg.Verbose {
			b.cfg.Logger.Printf("waveform: freed wave %d", id)
		}
	}
}

func (b *Batcher) setFault(err error) {
	b.mu.Lock()
	if b.fault == nil {
		b.fault = err
		close(b.faulted)
	}
	b.mu.Unlock()
	b.cfg.Metrics.fault()
	b.cfg.Logger.Println("waveform:", err)
}
