/*Package pigpio talks to the pigpio daemon (pigpiod) over its socket
interface.

Every command is a 16 byte little-endian frame of four uint32 words: the
command code, two parameters, and the length of an optional extension that
follows the frame.  The daemon answers with a 16 byte frame whose last word is
the result; negative results are pigpio error codes.

The Client implements the waveform.Device interface on top of pigpio's DMA
waveform engine, the plotter's Pins interface, and drives hobby servos.  Mock
is an in-memory stand-in for a pigpiod with a plotter wired to it.
*/
package pigpio

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/drawpi/comm"
	"github.com/nasa-jpl/drawpi/pulse"
	"github.com/nasa-jpl/drawpi/waveform"
)

// DefaultAddr is the address pigpiod listens on
const DefaultAddr = "localhost:8888"

const (
	cmdModes = 0
	cmdRead  = 3
	cmdWrite = 4
	cmdServo = 8
	cmdWVCLR = 27
	cmdWVAG  = 28
	cmdWVHLT = 33
	cmdWVSP  = 35
	cmdWVSC  = 36
	cmdWVCRE = 49
	cmdWVDEL = 50
	cmdWVTX  = 51
	cmdWVTXM = 100
	cmdWVTAT = 101
)

const (
	// waveform send modes
	modeOneShotSync = 2

	// WVTAT results that are not wave ids.  waveNotFound is returned while
	// a wave plays whose id the daemon has lost track of.
	noTxWave     = 9999
	waveNotFound = 9998

	// WVSP/WVSC selectors
	statCurrent = 0
	statMax     = 2
)

// Mode is the function of a GPIO
type Mode uint32

const (
	// Input reads the pin
	Input Mode = 0

	// Output drives the pin
	Output Mode = 1
)

// Error is a negative result from pigpiod
type Error int32

var errorText = map[Error]string{
	-1:  "initialisation failed",
	-2:  "GPIO not 0-31",
	-3:  "GPIO not 0-53",
	-4:  "mode not 0-7",
	-5:  "level not 0-1",
	-6:  "pud not 0-2",
	-7:  "pulsewidth not 0 or 500-2500",
	-36: "too many pulses",
	-66: "non existent wave id",
	-67: "no more CBs for waveform",
	-68: "no more OOL for waveform",
	-69: "attempt to create an empty waveform",
	-70: "no more waveforms",
}

func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return fmt.Sprintf("pigpio error %d: %s", int32(e), s)
	}
	return fmt.Sprintf("pigpio error %d", int32(e))
}

// Client is a connection to pigpiod.  It is safe for concurrent use; each
// command takes a connection from its pool for the duration of one exchange.
type Client struct {
	Addr    string
	Timeout time.Duration
	pool    *comm.Pool
}

// NewClient returns a client for the daemon at addr using at most poolSize
// connections.  No connection is made until the first command.
func NewClient(addr string, poolSize int) *Client {
	rd := comm.NewRemoteDevice(addr, false, nil)
	return &Client{
		Addr:    addr,
		Timeout: comm.DefaultTimeout,
		pool:    comm.NewPool(poolSize, time.Minute, rd.Maker()),
	}
}

// Close closes the idle connections to the daemon
func (c *Client) Close() error {
	return c.pool.Close()
}

func (c *Client) command(cmd, p1, p2 uint32, ext []byte) (uint32, error) {
	req := make([]byte, 16+len(ext))
	binary.LittleEndian.PutUint32(req[0:], cmd)
	binary.LittleEndian.PutUint32(req[4:], p1)
	binary.LittleEndian.PutUint32(req[8:], p2)
	binary.LittleEndian.PutUint32(req[12:], uint32(len(ext)))
	copy(req[16:], ext)

	rw, err := c.pool.Get()
	if err != nil {
		return 0, errors.Wrapf(err, "pigpio: connecting to %s", c.Addr)
	}
	resp, err := comm.Exchange(rw, req, 16, c.Timeout)
	if err != nil {
		c.pool.Destroy(rw)
		return 0, errors.Wrapf(err, "pigpio: command %d", cmd)
	}
	c.pool.Put(rw)

	res := binary.LittleEndian.Uint32(resp[12:])
	if int32(res) < 0 {
		return 0, errors.Wrapf(Error(int32(res)), "pigpio: command %d", cmd)
	}
	return res, nil
}

// SetMode sets the function of a GPIO
func (c *Client) SetMode(pin int, mode Mode) error {
	_, err := c.command(cmdModes, uint32(pin), uint32(mode), nil)
	return err
}

// SetOutput makes pin an output
func (c *Client) SetOutput(pin int) error {
	return c.SetMode(pin, Output)
}

// SetInput makes pin an input
func (c *Client) SetInput(pin int) error {
	return c.SetMode(pin, Input)
}

// WritePin drives an output high or low
func (c *Client) WritePin(pin int, level bool) error {
	var l uint32
	if level {
		l = 1
	}
	_, err := c.command(cmdWrite, uint32(pin), l, nil)
	return err
}

// ReadPin returns the level of a GPIO
func (c *Client) ReadPin(pin int) (bool, error) {
	res, err := c.command(cmdRead, uint32(pin), 0, nil)
	return res != 0, err
}

// SetServoPulsewidth starts servo pulses of width us on pin.  0 stops them.
func (c *Client) SetServoPulsewidth(pin, us int) error {
	_, err := c.command(cmdServo, uint32(pin), uint32(us), nil)
	return err
}

// WaveClear deletes every wave on the daemon, including waves left over by
// an earlier process
func (c *Client) WaveClear() error {
	_, err := c.command(cmdWVCLR, 0, 0, nil)
	return err
}

// WaveHalt stops the wave being played
func (c *Client) WaveHalt() error {
	_, err := c.command(cmdWVHLT, 0, 0, nil)
	return err
}

// AddPulses appends events to the waveform under construction
func (c *Client) AddPulses(events []pulse.Event) error {
	ext := make([]byte, 12*len(events))
	for i, e := range events {
		binary.LittleEndian.PutUint32(ext[12*i:], e.Set)
		binary.LittleEndian.PutUint32(ext[12*i+4:], e.Reset)
		binary.LittleEndian.PutUint32(ext[12*i+8:], e.Delay)
	}
	_, err := c.command(cmdWVAG, 0, 0, ext)
	return err
}

// CreateWave turns the waveform under construction into a wave and returns
// its id
func (c *Client) CreateWave() (int, error) {
	res, err := c.command(cmdWVCRE, 0, 0, nil)
	return int(res), err
}

// SendWave plays a wave once.  A chained wave is started when the current
// wave ends, an unchained one interrupts it.
func (c *Client) SendWave(id int, chained bool) error {
	var err error
	if chained {
		_, err = c.command(cmdWVTXM, uint32(id), modeOneShotSync, nil)
	} else {
		_, err = c.command(cmdWVTX, uint32(id), 0, nil)
	}
	return err
}

// ActiveWave returns the id of the wave being played
func (c *Client) ActiveWave() (int, bool, error) {
	res, err := c.command(cmdWVTAT, 0, 0, nil)
	if err != nil {
		return 0, false, err
	}
	switch res {
	case noTxWave:
		return 0, false, nil
	case waveNotFound:
		return waveform.UnknownWave, true, nil
	}
	return int(res), true, nil
}

// DeleteWave frees a wave
func (c *Client) DeleteWave(id int) error {
	_, err := c.command(cmdWVDEL, uint32(id), 0, nil)
	return err
}

// Headroom returns the pulses and control blocks still available for waves
func (c *Client) Headroom() (int, int, error) {
	free := func(cmd uint32) (int, error) {
		max, err := c.command(cmd, statMax, 0, nil)
		if err != nil {
			return 0, err
		}
		cur, err := c.command(cmd, statCurrent, 0, nil)
		if err != nil {
			return 0, err
		}
		return int(max) - int(cur), nil
	}
	pulses, err := free(cmdWVSP)
	if err != nil {
		return 0, 0, err
	}
	cbs, err := free(cmdWVSC)
	if err != nil {
		return 0, 0, err
	}
	return pulses, cbs, nil
}

// ServoSetter drives servo pulses on a pin
type ServoSetter interface {
	SetServoPulsewidth(pin, us int) error
}

// Servo is a hobby servo on one GPIO
type Servo struct {
	Dev ServoSetter
	Pin int
}

// SetPulseWidth sets the servo pulse width in microseconds
func (s Servo) SetPulseWidth(us int) error {
	return s.Dev.SetServoPulsewidth(s.Pin, us)
}
