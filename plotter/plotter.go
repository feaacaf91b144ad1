/*Package plotter is the motion controller of a two axis pen plotter.

A Plotter turns gotos, lines, pen changes and homing into step pulses for a
waveform device.  Moves return as soon as their pulses are queued and the
logical position is updated at that moment; WaitIdle blocks until the device
has played them.  Pen changes and homing wait for motion to finish first.

Operations are serialised: a Plotter may be shared between goroutines, such
as an HTTP server and a running program, and they take turns.
*/
package plotter

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/nasa-jpl/drawpi/homing"
	"github.com/nasa-jpl/drawpi/point"
	"github.com/nasa-jpl/drawpi/pulse"
	"github.com/nasa-jpl/drawpi/units"
	"github.com/nasa-jpl/drawpi/util"
	"github.com/nasa-jpl/drawpi/waveform"
)

// Pins is direct GPIO access
type Pins interface {
	SetOutput(pin int) error
	SetInput(pin int) error
	WritePin(pin int, level bool) error
	ReadPin(pin int) (bool, error)
}

// Device is a pulse device that also gives direct access to its pins
type Device interface {
	waveform.Device
	Pins
}

// waveClearer is a device that can drop every wave it holds
type waveClearer interface {
	WaveClear() error
}

// PenActuator moves the pen servo to a pulse width in microseconds
type PenActuator interface {
	SetPulseWidth(us int) error
}

// Status is a snapshot of the plotter's state
type Status struct {
	Position point.Point     `json:"position"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	PenDown  bool            `json:"penDown"`
	Homed    bool            `json:"homed"`
	Idle     bool            `json:"idle"`
	Waveform waveform.Status `json:"waveform"`
}

// Plotter drives the steppers and pen of a plotter.  Plotters must be created
// with New.
type Plotter struct {
	cfg   Config
	conv  units.Converter
	dev   Device
	pen   PenActuator
	batch *waveform.Batcher
	homer *homing.Controller
	log   *log.Logger
	masks pulse.Masks

	gotoDelay uint32

	// mu serialises operations
	mu sync.Mutex

	// smu guards the state below, which is read while operations run
	smu     sync.RWMutex
	pos     point.Point
	penDown bool
	homed   bool
}

// New validates cfg, configures the pins of dev, and returns a Plotter at the
// origin with its motors disabled
func New(cfg Config, dev Device, pen PenActuator) (*Plotter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv := cfg.Converter()
	gotoDelay, err := conv.FeedrateToDelay(cfg.GotoRate)
	if err != nil {
		return nil, &ConfigError{Field: "GotoRate", Reason: err.Error()}
	}
	zeroDelay, err := conv.FeedrateToDelay(cfg.ZeroRate)
	if err != nil {
		return nil, &ConfigError{Field: "ZeroRate", Reason: err.Error()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	outputs := []int{cfg.X.StepPin, cfg.X.DirPin, cfg.Y.StepPin, cfg.Y.DirPin, cfg.EnablePin}
	inputs := []int{cfg.X.EndstopPin, cfg.Y.EndstopPin}
	for _, pin := range outputs {
		if err := dev.SetOutput(pin); err != nil {
			return nil, err
		}
	}
	for _, pin := range inputs {
		if err := dev.SetInput(pin); err != nil {
			return nil, err
		}
	}
	logger.Printf("plotter: outputs on GPIO %s, endstops on GPIO %s",
		util.IntSliceToCSV(outputs), util.IntSliceToCSV(inputs))

	wcfg := cfg.Waveform
	if wcfg.Logger == nil {
		wcfg.Logger = logger
	}
	p := &Plotter{
		cfg:       cfg,
		conv:      conv,
		dev:       dev,
		pen:       pen,
		log:       logger,
		gotoDelay: gotoDelay,
		masks:     pulse.Masks{X: util.PinMask(cfg.X.StepPin), Y: util.PinMask(cfg.Y.StepPin)},
	}
	if err := p.DisableMotors(); err != nil {
		return nil, err
	}
	wcfg.IdleLow |= p.masks.X | p.masks.Y
	p.batch = waveform.New(dev, wcfg)
	p.homer = homing.New(p.batch, dev, p, homing.Config{
		Delay:        zeroDelay,
		DirSetup:     cfg.DirSetup,
		PollInterval: wcfg.PollInterval,
		Logger:       logger})
	return p, nil
}

// Converter returns the plotter's unit converter
func (p *Plotter) Converter() units.Converter {
	return p.conv
}

// EnableMotors powers the stepper drivers
func (p *Plotter) EnableMotors() error {
	return p.dev.WritePin(p.cfg.EnablePin, !p.cfg.EnableActiveLow)
}

// DisableMotors unpowers the stepper drivers
func (p *Plotter) DisableMotors() error {
	return p.dev.WritePin(p.cfg.EnablePin, p.cfg.EnableActiveLow)
}

// Goto moves to target as fast as the goto rate allows.  Axes move
// independently, so the path is a dogleg rather than a straight line.
func (p *Plotter) Goto(ctx context.Context, target point.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail(p.gotoLocked(ctx, target))
}

// Line draws a straight line from start to end at feedrate mm/s, first moving
// to start if the plotter is not already there
func (p *Plotter) Line(ctx context.Context, start, end point.Point, feedrate float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail(p.lineLocked(ctx, start, end, feedrate))
}

// PenUp raises the pen once motion has finished
func (p *Plotter) PenUp(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail(p.penLocked(ctx, false))
}

// PenDown lowers the pen once motion has finished
func (p *Plotter) PenDown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail(p.penLocked(ctx, true))
}

// Home finds the endstops of both axes once motion has finished.  On success
// the position becomes the origin; on failure the plotter is no longer homed
// and its position is not to be trusted.
func (p *Plotter) Home(ctx context.Context) ([]homing.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.homeLocked(ctx)
	return res, p.fail(err)
}

// Execute runs one command
func (p *Plotter) Execute(ctx context.Context, cmd Command) error {
	if err := p.validate(0, cmd); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail(p.executeLocked(ctx, cmd))
}

// Stop disables the motors and drops every pulse not yet on the device.
// It does not wait for a running operation.
func (p *Plotter) Stop() error {
	err := p.DisableMotors()
	if dropped := p.batch.Cancel(); len(dropped) > 0 {
		p.log.Printf("plotter: stopped with %d pulse events unplayed", len(dropped))
	}
	return err
}

// Reset recovers from a hardware fault.  The motors are disabled, the
// device's waves are cleared if it supports that, and the waveform worker is
// restarted.  The plotter is no longer homed afterwards.  Reset does nothing
// if there is no fault.
func (p *Plotter) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

// WaitIdle blocks until the device has played every queued pulse.  A hardware
// fault stops the plotter.
func (p *Plotter) WaitIdle(ctx context.Context) error {
	err := p.batch.WaitIdle(ctx)
	var hf *waveform.HardwareFault
	if errors.As(err, &hf) {
		return p.fail(err)
	}
	return err
}

// Idle returns true if no motion is queued or playing
func (p *Plotter) Idle() bool {
	return p.batch.Idle()
}

// Position returns the logical position in steps
func (p *Plotter) Position() point.Point {
	p.smu.RLock()
	defer p.smu.RUnlock()
	return p.pos
}

// PenIsDown returns true if the pen was last lowered
func (p *Plotter) PenIsDown() bool {
	p.smu.RLock()
	defer p.smu.RUnlock()
	return p.penDown
}

// Homed returns true if the last homing succeeded
func (p *Plotter) Homed() bool {
	p.smu.RLock()
	defer p.smu.RUnlock()
	return p.homed
}

// Status returns a snapshot of the plotter's state
func (p *Plotter) Status() Status {
	p.smu.RLock()
	pos, down, homed := p.pos, p.penDown, p.homed
	p.smu.RUnlock()
	ws := p.batch.Status()
	x, y := pos.MM(p.conv)
	return Status{
		Position: pos,
		X:        x,
		Y:        y,
		PenDown:  down,
		Homed:    homed,
		Idle:     ws.Idle,
		Waveform: ws}
}

// Close stops the plotter and its waveform worker
func (p *Plotter) Close() error {
	err := p.Stop()
	return multierr.Append(err, p.batch.Close())
}

// fail stops the plotter after an operation has failed.  ConfigErrors are
// raised before anything is driven and are returned as they are.
func (p *Plotter) fail(err error) error {
	var ce *ConfigError
	if err == nil || errors.As(err, &ce) {
		return err
	}
	return multierr.Append(err, p.Stop())
}

func (p *Plotter) resetLocked() error {
	if p.batch.Err() == nil {
		return nil
	}
	err := p.DisableMotors()
	if wc, ok := p.dev.(waveClearer); ok {
		err = multierr.Append(err, wc.WaveClear())
	}
	if err != nil {
		return err
	}
	if err := p.batch.Reset(); err != nil {
		return err
	}
	p.smu.Lock()
	p.homed = false
	p.smu.Unlock()
	p.log.Println("plotter: reset after hardware fault, homing required")
	return nil
}

func (p *Plotter) setPosition(pos point.Point) {
	p.smu.Lock()
	p.pos = pos
	p.smu.Unlock()
}

// direction returns the event setting the direction pins for a move of d
func (p *Plotter) direction(d point.Point) pulse.Event {
	var high, low uint32
	set := func(pin int, positive, inverted bool) {
		if pulse.Level(positive, inverted) {
			high = util.SetBit(high, uint(pin), true)
		} else {
			low = util.SetBit(low, uint(pin), true)
		}
	}
	set(p.cfg.X.DirPin, d.X >= 0, p.cfg.X.Inverted)
	set(p.cfg.Y.DirPin, d.Y >= 0, p.cfg.Y.Inverted)
	return pulse.Direction(high, low, p.cfg.DirSetup)
}

// move queues the pulses of seq after a direction change for d
func (p *Plotter) move(d point.Point, seq pulse.Sequence, delay uint32) error {
	if err := p.EnableMotors(); err != nil {
		return err
	}
	events := make([]pulse.Event, 0, 1+2*seq.Len())
	events = append(events, p.direction(d))
	events = append(events, pulse.Expand(seq, p.masks, delay)...)
	return p.batch.Add(events...)
}

func (p *Plotter) gotoLocked(ctx context.Context, target point.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := target.Sub(p.Position())
	if d.IsOrigin() {
		return nil
	}
	if err := p.move(d, pulse.NewGoto(d.X, d.Y), p.gotoDelay); err != nil {
		return err
	}
	p.setPosition(target)
	return nil
}

func (p *Plotter) lineLocked(ctx context.Context, start, end point.Point, feedrate float64) error {
	delay, err := p.conv.FeedrateToDelay(feedrate)
	if err != nil {
		return &ConfigError{Field: "Feedrate", Reason: err.Error()}
	}
	if p.Position() != start {
		if err := p.gotoLocked(ctx, start); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d := end.Sub(start)
	if d.IsOrigin() {
		return nil
	}
	if err := p.move(d, pulse.NewLine(d.X, d.Y), delay); err != nil {
		return err
	}
	p.setPosition(end)
	return nil
}

func (p *Plotter) penLocked(ctx context.Context, down bool) error {
	if err := p.batch.WaitIdle(ctx); err != nil {
		return err
	}
	width := p.cfg.Pen.UpPulse
	if down {
		width = p.cfg.Pen.DownPulse
	}
	if err := p.pen.SetPulseWidth(width); err != nil {
		return err
	}
	p.smu.Lock()
	p.penDown = down
	p.smu.Unlock()
	if p.cfg.Pen.Settle <= 0 {
		return nil
	}
	t := time.NewTimer(p.cfg.Pen.Settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plotter) homeLocked(ctx context.Context) ([]homing.Result, error) {
	if err := p.batch.WaitIdle(ctx); err != nil {
		return nil, err
	}
	axes := []homing.Axis{p.homingAxis("X", p.cfg.X), p.homingAxis("Y", p.cfg.Y)}
	res, err := p.homer.Home(ctx, axes...)
	p.smu.Lock()
	defer p.smu.Unlock()
	if err != nil {
		p.homed = false
		return res, err
	}
	p.pos = point.Origin
	p.homed = true
	p.log.Printf("plotter: homed, X travelled %d steps and Y %d", res[0].Travel, res[1].Travel)
	return res, nil
}

func (p *Plotter) homingAxis(name string, a AxisConfig) homing.Axis {
	return homing.Axis{
		Name:            name,
		Step:            a.StepPin,
		Dir:             a.DirPin,
		Endstop:         a.EndstopPin,
		DirInverted:     a.Inverted,
		EndstopInverted: a.EndstopInverted,
		Extent:          p.conv.MMToSteps(a.Extent)}
}

func (p *Plotter) executeLocked(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case KindGoto:
		return p.gotoLocked(ctx, cmd.Target)
	case KindLine:
		return p.lineLocked(ctx, p.Position(), cmd.Target, cmd.Feedrate)
	case KindPen:
		return p.penLocked(ctx, cmd.Down)
	case KindHome:
		_, err := p.homeLocked(ctx)
		return err
	default:
		return &CommandError{Command: cmd, Reason: "unknown command kind"}
	}
}
