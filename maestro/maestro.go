/*Package maestro drives hobby servos on a Pololu Maestro servo controller.

The Maestro is reached either through its serial command port, speaking the
compact or the Pololu protocol with an optional CRC-7, or natively over USB
with vendor control transfers.  Both forms satisfy the plotter's pen actuator
interface through SetPulseWidth.

Targets are in quarter microseconds; a target of 0 stops the pulses.
*/
package maestro

import (
	"fmt"
	"io"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/snksoft/crc"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/drawpi/comm"
)

const (
	// VendorID is Pololu's USB vendor ID
	VendorID = 0x1ffb

	// ProductMicro6 is the Micro Maestro 6
	ProductMicro6 = 0x0089

	// ProductMini12 is the Mini Maestro 12
	ProductMini12 = 0x008a

	// ProductMini18 is the Mini Maestro 18
	ProductMini18 = 0x008b

	// ProductMini24 is the Mini Maestro 24
	ProductMini24 = 0x008c

	// DefaultDeviceNumber is the factory device number used by the Pololu protocol
	DefaultDeviceNumber = 12

	cmdSetTarget     = 0x84
	pololuStart      = 0xAA
	requestSetTarget = 0x85
	vendorOut        = 0x40
	maxTarget        = 1<<14 - 1
)

// Protocol is a serial command protocol
type Protocol int

const (
	// Compact addresses whichever Maestro is on the line
	Compact Protocol = iota

	// Pololu addresses one device on a shared line by its device number
	Pololu
)

// ErrTargetRange is returned for a pulse width that does not fit a target
var ErrTargetRange = errors.New("servo target out of range")

var crc7 = &crc.Parameters{Width: 7, Polynomial: 0x09, ReflectIn: true, ReflectOut: true, Init: 0, FinalXor: 0}

// CRC7 is the checksum a Maestro in CRC mode expects after every command
func CRC7(b []byte) byte {
	return byte(crc.CalculateCRC(crc7, b))
}

// Target converts a pulse width in microseconds to a target
func Target(us int) (uint16, error) {
	t := us * 4
	if t < 0 || t > maxTarget {
		return 0, ErrTargetRange
	}
	return uint16(t), nil
}

// EncodeSetTarget returns the serial Set Target command for a channel
func EncodeSetTarget(p Protocol, device, channel byte, target uint16, withCRC bool) []byte {
	var b []byte
	lo, hi := byte(target&0x7F), byte((target>>7)&0x7F)
	if p == Pololu {
		b = []byte{pololuStart, device & 0x7F, cmdSetTarget & 0x7F, channel, lo, hi}
	} else {
		b = []byte{cmdSetTarget, channel, lo, hi}
	}
	if withCRC {
		b = append(b, CRC7(b))
	}
	return b
}

// Serial is a Maestro on a serial command port
type Serial struct {
	// Channel is the servo channel driven by SetPulseWidth
	Channel byte

	Protocol     Protocol
	DeviceNumber byte

	// CRC must match the controller's "Enable CRC" setting
	CRC bool

	w io.Writer
}

// NewSerial returns a Maestro that writes commands to w
func NewSerial(w io.Writer, channel byte) *Serial {
	return &Serial{Channel: channel, DeviceNumber: DefaultDeviceNumber, w: w}
}

// OpenSerial opens the Maestro command port, such as /dev/ttyACM0
func OpenSerial(port string, baud int, channel byte) (*Serial, error) {
	rd := comm.NewRemoteDevice(port, true, &serial.Config{Baud: baud})
	if err := rd.Open(); err != nil {
		return nil, errors.Wrap(err, "maestro: opening serial port")
	}
	return NewSerial(rd.Conn, channel), nil
}

// SetTarget sets the target of a channel
func (s *Serial) SetTarget(channel byte, target uint16) error {
	cmd := EncodeSetTarget(s.Protocol, s.DeviceNumber, channel, target, s.CRC)
	if _, err := s.w.Write(cmd); err != nil {
		return errors.Wrapf(err, "maestro: set target of channel %d", channel)
	}
	return nil
}

// SetPulseWidth sets the pulse width of Channel in microseconds
func (s *Serial) SetPulseWidth(us int) error {
	t, err := Target(us)
	if err != nil {
		return err
	}
	return s.SetTarget(s.Channel, t)
}

// Close closes the port if it was opened by OpenSerial
func (s *Serial) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// USB is a Maestro on its native USB interface
type USB struct {
	Channel byte

	ctx *gousb.Context
	dev *gousb.Device
}

// OpenUSB opens the first Maestro with the given product ID
func OpenUSB(product uint16, channel byte) (*USB, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(VendorID), gousb.ID(product))
	if err != nil {
		ctx.Close()
		return nil, errors.Wrap(err, "maestro: opening USB device")
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("maestro: no device %04x:%04x", VendorID, product)
	}
	return &USB{Channel: channel, ctx: ctx, dev: dev}, nil
}

// SetTarget sets the target of a channel
func (u *USB) SetTarget(channel byte, target uint16) error {
	if _, err := u.dev.Control(vendorOut, requestSetTarget, target, uint16(channel), nil); err != nil {
		return errors.Wrapf(err, "maestro: set target of channel %d", channel)
	}
	return nil
}

// SetPulseWidth sets the pulse width of Channel in microseconds
func (u *USB) SetPulseWidth(us int) error {
	t, err := Target(us)
	if err != nil {
		return err
	}
	return u.SetTarget(u.Channel, t)
}

// Close releases the device
func (u *USB) Close() error {
	err := u.dev.Close()
	if cerr := u.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}
