package plotter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nasa-jpl/drawpi/homing"
	"github.com/nasa-jpl/drawpi/pigpio"
	"github.com/nasa-jpl/drawpi/plotter"
	"github.com/nasa-jpl/drawpi/point"
	"github.com/nasa-jpl/drawpi/pulse"
	"github.com/nasa-jpl/drawpi/waveform"
)

const penPin = 18

func testConfig() plotter.Config {
	cfg := plotter.DefaultConfig()
	cfg.Pen.Settle = time.Millisecond
	return cfg
}

// newMock wires a Mock the way testConfig expects, carriages at x, y steps
func newMock(cfg plotter.Config, x, y int64) *pigpio.Mock {
	return pigpio.NewMock(
		pigpio.MockAxis{Step: cfg.X.StepPin, Dir: cfg.X.DirPin, Endstop: cfg.X.EndstopPin,
			DirInverted: cfg.X.Inverted, EndstopInverted: cfg.X.EndstopInverted, Position: x},
		pigpio.MockAxis{Step: cfg.Y.StepPin, Dir: cfg.Y.DirPin, Endstop: cfg.Y.EndstopPin,
			DirInverted: cfg.Y.Inverted, EndstopInverted: cfg.Y.EndstopInverted, Position: y})
}

func newPlotter(t *testing.T, cfg plotter.Config, m *pigpio.Mock) *plotter.Plotter {
	t.Helper()
	p, err := plotter.New(cfg, m, pigpio.Servo{Dev: m, Pin: penPin})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func stepCounts(events []pulse.Event, cfg plotter.Config) (ticks, x, y int64) {
	xm, ym := uint32(1)<<uint(cfg.X.StepPin), uint32(1)<<uint(cfg.Y.StepPin)
	return pulse.Count(events, xm|ym), pulse.Count(events, xm), pulse.Count(events, ym)
}

func TestLineScenario(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	c := p.Converter()
	if err := p.Line(ctx(t), point.Origin, point.FromMM(3, 4, c), 20); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitIdle(ctx(t)); err != nil {
		t.Fatal(err)
	}
	played := m.Played()
	ticks, x, y := stepCounts(played, cfg)
	if ticks != 400 || x != 300 || y != 400 {
		t.Errorf("line played %d ticks, %d X and %d Y steps, expected 400, 300, 400", ticks, x, y)
	}
	// every tick after the direction event is 500 us
	if d := pulse.Duration(played[1:]); d != 400*500 {
		t.Errorf("line lasted %d us, expected %d", d, 400*500)
	}
	if got := p.Position(); got != point.New(300, 400) {
		t.Errorf("position %s, expected (300, 400)", got)
	}
	px, _ := m.Position(0)
	py, _ := m.Position(1)
	if px != 300 || py != 400 {
		t.Errorf("carriage at (%d, %d), expected (300, 400)", px, py)
	}
}

func TestGotoScenario(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 1000, 1000)
	p := newPlotter(t, cfg, m)
	if err := p.Goto(ctx(t), point.New(-150, 80)); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitIdle(ctx(t)); err != nil {
		t.Fatal(err)
	}
	ticks, x, y := stepCounts(m.Played(), cfg)
	if ticks != 150 || x != 150 || y != 80 {
		t.Errorf("goto played %d ticks, %d X and %d Y steps, expected 150, 150, 80", ticks, x, y)
	}
	px, _ := m.Position(0)
	py, _ := m.Position(1)
	if px != 1000-150 || py != 1000+80 {
		t.Errorf("carriage at (%d, %d), expected (850, 1080)", px, py)
	}
}

func TestLineGoesToStartFirst(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	if err := p.Line(ctx(t), point.New(100, 0), point.New(100, 100), 10); err != nil {
		t.Fatal(err)
	}
	p.WaitIdle(ctx(t))
	_, x, y := stepCounts(m.Played(), cfg)
	if x != 100 || y != 100 {
		t.Errorf("played %d X and %d Y steps, expected 100 and 100", x, y)
	}
}

func TestBadFeedrate(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	for _, f := range []float64{0, -5} {
		err := p.Line(ctx(t), point.Origin, point.New(10, 10), f)
		var ce *plotter.ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("feedrate %g: expected a ConfigError, got %v", f, err)
		}
	}
	if p.Position() != point.Origin || len(m.Uploaded()) != 0 {
		t.Error("a rejected line moved the plotter")
	}
}

func TestPen(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	if err := p.Goto(ctx(t), point.New(500, 500)); err != nil {
		t.Fatal(err)
	}
	if err := p.PenDown(ctx(t)); err != nil {
		t.Fatal(err)
	}
	if !p.Idle() {
		t.Error("pen lowered before motion finished")
	}
	if w := m.ServoWidth(penPin); w != cfg.Pen.DownPulse || !p.PenIsDown() {
		t.Errorf("pen width %d after PenDown", w)
	}
	if err := p.PenUp(ctx(t)); err != nil {
		t.Fatal(err)
	}
	if w := m.ServoWidth(penPin); w != cfg.Pen.UpPulse || p.PenIsDown() {
		t.Errorf("pen width %d after PenUp", w)
	}
}

func TestHome(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 700, 1200)
	p := newPlotter(t, cfg, m)
	p.Goto(ctx(t), point.New(50, 50))
	res, err := p.Home(ctx(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res {
		if r.State != homing.Triggered {
			t.Errorf("axis %s is %s", r.Axis, r.State)
		}
	}
	if !p.Homed() || p.Position() != point.Origin {
		t.Errorf("homed=%t position=%s after homing", p.Homed(), p.Position())
	}
	if m.Level(cfg.EnablePin) != cfg.EnableActiveLow {
		t.Error("motors left enabled after homing")
	}
}

func TestHomeFailure(t *testing.T) {
	cfg := testConfig()
	cfg.X.Extent = 10
	m := pigpio.NewMock(
		pigpio.MockAxis{Step: cfg.X.StepPin, Dir: cfg.X.DirPin, Endstop: cfg.X.EndstopPin, Position: 5000, Broken: true},
		pigpio.MockAxis{Step: cfg.Y.StepPin, Dir: cfg.Y.DirPin, Endstop: cfg.Y.EndstopPin, DirInverted: true, Position: 100})
	p := newPlotter(t, cfg, m)
	p.Goto(ctx(t), point.New(20, 20))
	_, err := p.Home(ctx(t))
	var f *homing.Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected a homing failure, got %v", err)
	}
	if p.Homed() {
		t.Error("plotter reports homed after a failure")
	}
	if p.Position() == point.Origin {
		t.Error("position reset to origin after a failure")
	}
	if px, _ := m.Position(0); px < 5000+20-1000 {
		t.Errorf("broken axis travelled past its extent, carriage at %d", px)
	}
}

func TestRun(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 300, 300)
	p := newPlotter(t, cfg, m)
	prog := []plotter.Command{
		plotter.Home(),
		plotter.Goto(point.New(1000, 1000)),
		plotter.Pen(true),
		plotter.Line(point.New(2000, 1000), 20),
		plotter.Line(point.New(2000, 2000), 20),
		plotter.Pen(false),
		plotter.Goto(point.Origin),
	}
	if err := p.Run(ctx(t), prog); err != nil {
		t.Fatal(err)
	}
	if !p.Idle() || p.Position() != point.Origin || p.PenIsDown() {
		t.Errorf("after run: idle=%t position=%s pen down=%t", p.Idle(), p.Position(), p.PenIsDown())
	}
	if m.Level(cfg.EnablePin) != cfg.EnableActiveLow {
		t.Error("motors left enabled after a run")
	}
	px, _ := m.Position(0)
	py, _ := m.Position(1)
	if px > 0 || py > 0 {
		t.Errorf("carriage at (%d, %d) after returning to the origin", px, py)
	}
}

func TestRunValidatesFirst(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	prog := []plotter.Command{
		plotter.Goto(point.New(1000, 1000)),
		plotter.Line(point.New(2000, 1000), 0),
	}
	err := p.Run(ctx(t), prog)
	var cmdErr *plotter.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Index != 1 {
		t.Fatalf("expected a CommandError for command 1, got %v", err)
	}
	var ce *plotter.ConfigError
	if !errors.As(err, &ce) {
		t.Error("a bad feed rate should also be a ConfigError")
	}
	if len(m.Uploaded()) != 0 || p.Position() != point.Origin {
		t.Error("an invalid program moved the plotter")
	}

	err = p.Run(ctx(t), []plotter.Command{{Kind: plotter.Kind(42)}})
	if !errors.As(err, &cmdErr) {
		t.Errorf("expected a CommandError for an unknown kind, got %v", err)
	}
}

func TestRunStopsOnHardwareFault(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	m.Fail("send", errors.New("dma channel busy"))
	err := p.Run(ctx(t), []plotter.Command{plotter.Goto(point.New(5000, 0)), plotter.Pen(true)})
	var hf *waveform.HardwareFault
	if !errors.As(err, &hf) {
		t.Fatalf("expected a HardwareFault, got %v", err)
	}
	if m.Level(cfg.EnablePin) != cfg.EnableActiveLow {
		t.Error("motors left enabled after a fault")
	}
	if m.ServoWidth(penPin) != 0 {
		t.Error("pen was moved after a fault")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	m := pigpio.NewMock()
	for name, mutate := range map[string]func(*plotter.Config){
		"steps":    func(c *plotter.Config) { c.StepsPerMM = 0 },
		"goto":     func(c *plotter.Config) { c.GotoRate = -1 },
		"zero":     func(c *plotter.Config) { c.ZeroRate = 0 },
		"pin":      func(c *plotter.Config) { c.X.StepPin = 40 },
		"shared":   func(c *plotter.Config) { c.Y.DirPin = c.X.StepPin },
		"extent":   func(c *plotter.Config) { c.Y.Extent = 0 },
		"pen":      func(c *plotter.Config) { c.Pen.DownPulse = 3000 },
		"too fast": func(c *plotter.Config) { c.GotoRate = 1e6 },
	} {
		cfg := testConfig()
		mutate(&cfg)
		_, err := plotter.New(cfg, m, pigpio.Servo{Dev: m, Pin: penPin})
		var ce *plotter.ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("%s: expected a ConfigError, got %v", name, err)
		}
	}
	if _, ok := m.PinMode(16); ok {
		t.Error("a rejected config touched the pins")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStopMidMoveCompletesPulse(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	m.QueriesPerWave = 20
	p := newPlotter(t, cfg, m)
	if err := p.Goto(ctx(t), point.New(5000, 0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a wave on the device", func() bool { return p.Status().Waveform.InFlight > 0 })
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitIdle(ctx(t)); err != nil {
		t.Fatal(err)
	}
	if m.Level(cfg.X.StepPin) {
		t.Fatal("X step pin left high by stop")
	}

	before, _ := m.Position(0)
	if err := p.Goto(ctx(t), p.Position().Add(point.New(100, 0))); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitIdle(ctx(t)); err != nil {
		t.Fatal(err)
	}
	if after, _ := m.Position(0); after-before != 100 {
		t.Errorf("commanded 100 X steps after stop, carriage moved %d", after-before)
	}
}

func TestHomeThenGotoIsExact(t *testing.T) {
	cfg := testConfig()
	for _, start := range []int64{1, 7, 333, 680, 1001, 2500} {
		m := newMock(cfg, start, start+17)
		p := newPlotter(t, cfg, m)
		if _, err := p.Home(ctx(t)); err != nil {
			t.Fatalf("start %d: %v", start, err)
		}
		if m.Level(cfg.X.StepPin) || m.Level(cfg.Y.StepPin) {
			t.Errorf("start %d: step pin left high after homing", start)
		}
		x0, _ := m.Position(0)
		y0, _ := m.Position(1)
		if err := p.Goto(ctx(t), point.New(1000, 1000)); err != nil {
			t.Fatal(err)
		}
		if err := p.WaitIdle(ctx(t)); err != nil {
			t.Fatal(err)
		}
		x1, _ := m.Position(0)
		y1, _ := m.Position(1)
		if x1-x0 != 1000 || y1-y0 != 1000 {
			t.Errorf("start %d: goto +1000 moved the carriages (%d, %d)", start, x1-x0, y1-y0)
		}
	}
}

func TestFaultStopsPlotter(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	boom := errors.New("dma gone")
	m.Fail("add", boom)
	err := p.Goto(ctx(t), point.New(1000, 0))
	if err == nil {
		err = p.WaitIdle(ctx(t))
	}
	var hf *waveform.HardwareFault
	if !errors.As(err, &hf) {
		t.Fatalf("expected a HardwareFault, got %v", err)
	}
	if m.Level(cfg.EnablePin) != cfg.EnableActiveLow {
		t.Error("motors left enabled after a faulted goto")
	}

	// the fault holds until the plotter is reset
	m.Fail("add", nil)
	if err := p.Goto(ctx(t), point.New(2000, 0)); !errors.As(err, &hf) {
		t.Errorf("goto before reset returned %v", err)
	}
	if m.Level(cfg.EnablePin) != cfg.EnableActiveLow {
		t.Error("motors left enabled after a refused goto")
	}
	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if p.Homed() {
		t.Error("plotter still homed after a reset")
	}
	before, _ := m.Position(0)
	if err := p.Goto(ctx(t), p.Position().Add(point.New(200, 0))); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitIdle(ctx(t)); err != nil {
		t.Fatal(err)
	}
	if after, _ := m.Position(0); after-before != 200 {
		t.Errorf("carriage moved %d steps after reset, expected 200", after-before)
	}
}

func TestRunRecoversFromEarlierFault(t *testing.T) {
	cfg := testConfig()
	m := newMock(cfg, 0, 0)
	p := newPlotter(t, cfg, m)
	m.Fail("create", errors.New("no more CBs"))
	p.Goto(ctx(t), point.New(1000, 0))
	if err := p.WaitIdle(ctx(t)); err == nil {
		t.Fatal("expected a fault")
	}
	m.Fail("create", nil)
	if err := p.Run(ctx(t), []plotter.Command{plotter.Goto(point.New(1500, 0))}); err != nil {
		t.Fatalf("run after a fault: %v", err)
	}
	if p.Position() != point.New(1500, 0) {
		t.Errorf("position %s", p.Position())
	}
}
