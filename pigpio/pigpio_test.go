package pigpio_test

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/nasa-jpl/drawpi/pigpio"
	"github.com/nasa-jpl/drawpi/pulse"
	"github.com/nasa-jpl/drawpi/waveform"
)

type frame struct {
	cmd, p1, p2 uint32
	ext         []byte
}

// fakeDaemon answers pigpio frames with the result of respond and records
// every frame it receives
type fakeDaemon struct {
	mu      sync.Mutex
	frames  []frame
	respond func(frame) int32
}

func (d *fakeDaemon) serve(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.handle(conn)
		}
	}()
	return ln.Addr().String()
}

func (d *fakeDaemon) handle(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, 16)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		f := frame{
			cmd: binary.LittleEndian.Uint32(hdr[0:]),
			p1:  binary.LittleEndian.Uint32(hdr[4:]),
			p2:  binary.LittleEndian.Uint32(hdr[8:]),
		}
		if n := binary.LittleEndian.Uint32(hdr[12:]); n > 0 {
			f.ext = make([]byte, n)
			if _, err := io.ReadFull(conn, f.ext); err != nil {
				return
			}
		}
		d.mu.Lock()
		d.frames = append(d.frames, f)
		d.mu.Unlock()
		res := d.respond(f)
		resp := make([]byte, 16)
		copy(resp, hdr[:12])
		binary.LittleEndian.PutUint32(resp[12:], uint32(res))
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (d *fakeDaemon) last() frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames[len(d.frames)-1]
}

func TestAddPulsesFrame(t *testing.T) {
	d := &fakeDaemon{respond: func(frame) int32 { return 2 }}
	c := pigpio.NewClient(d.serve(t), 1)
	defer c.Close()
	events := []pulse.Event{{Set: 1 << 17, Delay: 250}, {Reset: 1 << 17, Delay: 250}}
	if err := c.AddPulses(events); err != nil {
		t.Fatal(err)
	}
	f := d.last()
	if f.cmd != 28 || len(f.ext) != 24 {
		t.Fatalf("expected WVAG with 24 bytes of pulses, got cmd %d with %d bytes", f.cmd, len(f.ext))
	}
	if on := binary.LittleEndian.Uint32(f.ext[0:]); on != 1<<17 {
		t.Errorf("first pulse gpioOn %x", on)
	}
	if off := binary.LittleEndian.Uint32(f.ext[16:]); off != 1<<17 {
		t.Errorf("second pulse gpioOff %x", off)
	}
	if delay := binary.LittleEndian.Uint32(f.ext[20:]); delay != 250 {
		t.Errorf("second pulse delay %d", delay)
	}
}

func TestSendWaveModes(t *testing.T) {
	d := &fakeDaemon{respond: func(frame) int32 { return 0 }}
	c := pigpio.NewClient(d.serve(t), 1)
	defer c.Close()
	if err := c.SendWave(3, false); err != nil {
		t.Fatal(err)
	}
	if f := d.last(); f.cmd != 51 || f.p1 != 3 {
		t.Errorf("unchained send was cmd %d p1 %d, expected WVTX of wave 3", f.cmd, f.p1)
	}
	if err := c.SendWave(4, true); err != nil {
		t.Fatal(err)
	}
	if f := d.last(); f.cmd != 100 || f.p1 != 4 || f.p2 != 2 {
		t.Errorf("chained send was cmd %d p1 %d p2 %d, expected WVTXM of wave 4 in sync mode", f.cmd, f.p1, f.p2)
	}
}

func TestActiveWaveIdle(t *testing.T) {
	d := &fakeDaemon{respond: func(frame) int32 { return 9999 }}
	c := pigpio.NewClient(d.serve(t), 1)
	defer c.Close()
	_, playing, err := c.ActiveWave()
	if err != nil {
		t.Fatal(err)
	}
	if playing {
		t.Error("9999 from WVTAT should mean nothing is playing")
	}
}

func TestActiveWaveUnknown(t *testing.T) {
	d := &fakeDaemon{respond: func(frame) int32 { return 9998 }}
	c := pigpio.NewClient(d.serve(t), 1)
	defer c.Close()
	id, playing, err := c.ActiveWave()
	if err != nil {
		t.Fatal(err)
	}
	if !playing || id != waveform.UnknownWave {
		t.Errorf("9998 from WVTAT gave id %d playing %v, expected a wave of unknown id playing", id, playing)
	}
}

func TestHeadroom(t *testing.T) {
	d := &fakeDaemon{respond: func(f frame) int32 {
		switch {
		case f.cmd == 35 && f.p1 == 2:
			return 12000
		case f.cmd == 35:
			return 1360
		case f.cmd == 36 && f.p1 == 2:
			return 25016
		default:
			return 2800
		}
	}}
	c := pigpio.NewClient(d.serve(t), 2)
	defer c.Close()
	pulses, cbs, err := c.Headroom()
	if err != nil {
		t.Fatal(err)
	}
	if pulses != 10640 || cbs != 22216 {
		t.Errorf("headroom = (%d, %d), expected (10640, 22216)", pulses, cbs)
	}
}

func TestNegativeResultIsError(t *testing.T) {
	d := &fakeDaemon{respond: func(frame) int32 { return -66 }}
	c := pigpio.NewClient(d.serve(t), 1)
	defer c.Close()
	err := c.DeleteWave(7)
	var perr pigpio.Error
	if !errors.As(err, &perr) || perr != -66 {
		t.Fatalf("expected pigpio error -66, got %v", err)
	}
}

func TestServoAndPins(t *testing.T) {
	d := &fakeDaemon{respond: func(frame) int32 { return 1 }}
	c := pigpio.NewClient(d.serve(t), 1)
	defer c.Close()
	s := pigpio.Servo{Dev: c, Pin: 18}
	if err := s.SetPulseWidth(1500); err != nil {
		t.Fatal(err)
	}
	if f := d.last(); f.cmd != 8 || f.p1 != 18 || f.p2 != 1500 {
		t.Errorf("servo frame %+v", f)
	}
	if err := c.WritePin(27, true); err != nil {
		t.Fatal(err)
	}
	if f := d.last(); f.cmd != 4 || f.p1 != 27 || f.p2 != 1 {
		t.Errorf("write frame %+v", f)
	}
	high, err := c.ReadPin(22)
	if err != nil || !high {
		t.Errorf("read returned %t, %v", high, err)
	}
}
