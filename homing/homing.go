/*Package homing drives carriages towards their minimum until their endstops
close, with every axis bounded by its length of travel.

All axes home together.  Motion is issued in bursts of about one second, and
only once the previous burst has been handed to the device, so an endstop
that closes stops the axis within a burst or two.  A switch that never closes
cannot push a carriage further than its Extent; the axis is reported Aborted.
*/
package homing

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/drawpi/pulse"
	"github.com/nasa-jpl/drawpi/util"
)

// State is the homing state of one axis
type State int

const (
	// Seeking axes are moving towards their endstop
	Seeking State = iota

	// Triggered axes have found their endstop
	Triggered

	// Aborted axes travelled their full extent without finding it
	Aborted
)

func (s State) String() string {
	switch s {
	case Seeking:
		return "seeking"
	case Triggered:
		return "triggered"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Axis is one carriage to home
type Axis struct {
	Name    string
	Step    int
	Dir     int
	Endstop int

	DirInverted     bool
	EndstopInverted bool

	// Extent is the maximum travel in steps
	Extent int64
}

// Result is the outcome of homing one axis
type Result struct {
	Axis   string `json:"axis"`
	State  State  `json:"state"`
	Travel int64  `json:"travel"`
}

// Failure is returned when one or more axes did not find their endstop
type Failure struct {
	Results []Result
}

func (f *Failure) Error() string {
	var parts []string
	for _, r := range f.Results {
		if r.State == Aborted {
			parts = append(parts, fmt.Sprintf("endstop %s not triggered after %d steps", r.Axis, r.Travel))
		}
	}
	return "homing failed: " + strings.Join(parts, ", ")
}

// Reader reads the level of an input pin
type Reader interface {
	ReadPin(pin int) (bool, error)
}

// Motors switches the stepper drivers on and off
type Motors interface {
	EnableMotors() error
	DisableMotors() error
}

// Queue accepts pulse events for playback.  *waveform.Batcher is a Queue.
type Queue interface {
	Add(events ...pulse.Event) error
	Flush()
	Cancel() []pulse.Event
	Pending() int
	WaitIdle(ctx context.Context) error
}

// Config holds the timing of a homing run
type Config struct {
	// Delay is the step period in microseconds
	Delay uint32

	// DirSetup is the settle time after the direction pins change, in us
	DirSetup uint32

	// Burst is the duration of motion issued at once, one second if zero
	Burst time.Duration

	// PollInterval is the endstop polling period, one millisecond if zero
	PollInterval time.Duration

	Logger *log.Logger
}

// Controller homes axes
type Controller struct {
	cfg    Config
	q      Queue
	pins   Reader
	motors Motors
}

// New returns a Controller which issues motion to q, reads endstops from pins,
// and switches motors
func New(q Queue, pins Reader, motors Motors, cfg Config) *Controller {
	if cfg.Burst <= 0 {
		cfg.Burst = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.Delay == 0 {
		cfg.Delay = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Controller{cfg: cfg, q: q, pins: pins, motors: motors}
}

// Home moves every axis towards its minimum until its endstop closes or it
// has travelled its extent.  The motors are disabled afterwards.  If any axis
// aborted, the error is a *Failure; the results are returned either way.
func (c *Controller) Home(ctx context.Context, axes ...Axis) (results []Result, err error) {
	results = make([]Result, len(axes))
	for i, a := range axes {
		results[i] = Result{Axis: a.Name, State: Seeking}
	}
	if err := c.motors.EnableMotors(); err != nil {
		return results, err
	}
	defer func() {
		err = multierr.Append(err, c.motors.DisableMotors())
	}()

	var high, low uint32
	for _, a := range axes {
		if pulse.Level(false, a.DirInverted) {
			high = util.SetBit(high, uint(a.Dir), true)
		} else {
			low = util.SetBit(low, uint(a.Dir), true)
		}
	}
	dir := pulse.Direction(high, low, c.cfg.DirSetup)
	burst := int64(c.cfg.Burst / (time.Duration(c.cfg.Delay) * time.Microsecond))
	if burst < 1 {
		burst = 1
	}

	limiter := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	for {
		if err := c.poll(axes, results); err != nil {
			c.q.Cancel()
			return results, err
		}
		seeking := 0
		for _, r := range results {
			if r.State == Seeking {
				seeking++
			}
		}
		if seeking == 0 {
			break
		}

		if c.q.Pending() == 0 {
			issued, err := c.issue(axes, results, dir, burst)
			if err != nil {
				c.q.Cancel()
				return results, err
			}
			if !issued {
				// every seeking axis has been given its full extent
				if err := c.q.WaitIdle(ctx); err != nil {
					return results, err
				}
				if err := c.poll(axes, results); err != nil {
					return results, err
				}
				for i := range results {
					if results[i].State == Seeking {
						results[i].State = Aborted
					}
				}
				break
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			c.q.Cancel()
			return results, err
		}
	}

	if err := c.q.WaitIdle(ctx); err != nil {
		return results, err
	}
	for _, r := range results {
		if r.State == Aborted {
			c.cfg.Logger.Printf("homing: axis %s aborted after %d steps", r.Axis, r.Travel)
			return results, &Failure{Results: results}
		}
	}
	return results, nil
}

// poll reads the endstop of every seeking axis.  When one has closed, the
// motion not yet handed to the device is cancelled and the steps it held are
// taken back off each axis's travel.
func (c *Controller) poll(axes []Axis, results []Result) error {
	hit := false
	for i, a := range axes {
		if results[i].State != Seeking {
			continue
		}
		level, err := c.pins.ReadPin(a.Endstop)
		if err != nil {
			return err
		}
		if level != a.EndstopInverted {
			results[i].State = Triggered
			hit = true
		}
	}
	if !hit {
		return nil
	}
	dropped := c.q.Cancel()
	for i, a := range axes {
		results[i].Travel -= pulse.Count(dropped, util.PinMask(a.Step))
	}
	return nil
}

// issue queues one burst for the seeking axes, each limited to the travel it
// has left.  It returns false if no axis had any travel left.
func (c *Controller) issue(axes []Axis, results []Result, dir pulse.Event, burst int64) (bool, error) {
	masks := make([]uint32, 0, len(axes))
	counts := make([]int64, 0, len(axes))
	idx := make([]int, 0, len(axes))
	for i, a := range axes {
		if results[i].State != Seeking {
			continue
		}
		n := a.Extent - results[i].Travel
		if n > burst {
			n = burst
		}
		if n <= 0 {
			continue
		}
		masks = append(masks, util.PinMask(a.Step))
		counts = append(counts, n)
		idx = append(idx, i)
	}
	if len(idx) == 0 {
		return false, nil
	}
	events := append([]pulse.Event{dir}, pulse.Parallel(c.cfg.Delay, masks, counts)...)
	if err := c.q.Add(events...); err != nil {
		return false, err
	}
	c.q.Flush()
	for k, i := range idx {
		results[i].Travel += counts[k]
	}
	return true, nil
}
