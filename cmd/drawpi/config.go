package main

import (
	"fmt"
	"io"
	"log"
	"strings"

	"go.uber.org/multierr"

	"github.com/nasa-jpl/drawpi/maestro"
	"github.com/nasa-jpl/drawpi/pigpio"
	"github.com/nasa-jpl/drawpi/plotter"
	"github.com/nasa-jpl/drawpi/softgpio"
	"github.com/nasa-jpl/drawpi/util"
)

// PigpioConfig locates the pigpio daemon
type PigpioConfig struct {
	// Addr is the host:port of pigpiod, usually localhost:8888
	Addr string `yaml:"Addr"`

	// PoolSize is the number of connections kept to the daemon
	PoolSize int `yaml:"PoolSize"`
}

// PenDriver selects what moves the pen servo
type PenDriver struct {
	// Type is one of "gpio" (a servo on a GPIO of the backend),
	// "maestro-serial" or "maestro-usb"
	Type string `yaml:"Type"`

	// Pin is the GPIO of the servo for Type gpio
	Pin int `yaml:"Pin"`

	// Port and Baud are the Maestro command port, e.g. /dev/ttyACM0
	Port string `yaml:"Port"`
	Baud int    `yaml:"Baud"`

	// Protocol is "compact" or "pololu", CRC enables the Maestro's CRC-7
	Protocol     string `yaml:"Protocol"`
	DeviceNumber int    `yaml:"DeviceNumber"`
	CRC          bool   `yaml:"CRC"`

	// Product is the USB product ID of the Maestro for Type maestro-usb
	Product uint16 `yaml:"Product"`

	// Channel is the Maestro channel the servo is plugged into
	Channel int `yaml:"Channel"`
}

// Config is the configuration of drawpi, populated from drawpi.yml
type Config struct {
	// Addr is the address the HTTP server listens at
	Addr string `yaml:"Addr"`

	// Endpoint is the URL the plotter routes are served under
	Endpoint string `yaml:"Endpoint"`

	// Backend is one of "pigpio", "soft" (periph bit-banging) or "mock"
	Backend string `yaml:"Backend"`

	Pigpio PigpioConfig `yaml:"Pigpio"`

	Pen PenDriver `yaml:"Pen"`

	// Limits are software limits in mm on HTTP motion, keyed by X and Y
	Limits map[string]util.Limiter `yaml:"Limits"`

	// LogFile, if not empty, receives the log instead of stderr
	LogFile string `yaml:"LogFile"`

	Plotter plotter.Config `yaml:"Plotter"`
}

func defaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "/plotter",
		Backend:  "pigpio",
		Pigpio:   PigpioConfig{Addr: "localhost:8888", PoolSize: 2},
		Pen:      PenDriver{Type: "gpio", Pin: 18, Baud: 9600, Protocol: "compact", DeviceNumber: maestro.DefaultDeviceNumber, Product: maestro.ProductMicro6},
		Limits: map[string]util.Limiter{
			"X": {Min: 0, Max: 200},
			"Y": {Min: 0, Max: 200},
		},
		Plotter: plotter.DefaultConfig(),
	}
}

// hardware is an opened plotter device and pen, and what must be closed
// when done with them
type hardware struct {
	dev     plotter.Device
	pen     plotter.PenActuator
	servo   pigpio.ServoSetter
	closers []io.Closer
}

func (h *hardware) Close() error {
	var err error
	for i := len(h.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, h.closers[i].Close())
	}
	return err
}

// openHardware opens the backend and the pen driver named in c
func openHardware(c Config) (*hardware, error) {
	h := &hardware{}
	switch strings.ToLower(c.Backend) {
	case "pigpio":
		cl := pigpio.NewClient(c.Pigpio.Addr, c.Pigpio.PoolSize)
		// waves left behind by a previous run would eat the daemon's memory
		if err := cl.WaveClear(); err != nil {
			cl.Close()
			return nil, fmt.Errorf("clearing waves on %s: %w", c.Pigpio.Addr, err)
		}
		h.dev, h.servo = cl, cl
		h.closers = append(h.closers, cl)
	case "soft", "softgpio", "periph":
		d, err := softgpio.Open()
		if err != nil {
			return nil, err
		}
		d.Logger = log.Default()
		h.dev, h.servo = d, d
		h.closers = append(h.closers, d)
	case "mock":
		pc := c.Plotter
		half := func(a plotter.AxisConfig) int64 {
			return int64(a.Extent * pc.StepsPerMM / 2)
		}
		m := pigpio.NewMock(
			pigpio.MockAxis{Step: pc.X.StepPin, Dir: pc.X.DirPin, Endstop: pc.X.EndstopPin,
				DirInverted: pc.X.Inverted, EndstopInverted: pc.X.EndstopInverted, Position: half(pc.X)},
			pigpio.MockAxis{Step: pc.Y.StepPin, Dir: pc.Y.DirPin, Endstop: pc.Y.EndstopPin,
				DirInverted: pc.Y.Inverted, EndstopInverted: pc.Y.EndstopInverted, Position: half(pc.Y)})
		h.dev, h.servo = m, m
	default:
		return nil, fmt.Errorf("unknown backend %q, want pigpio, soft or mock", c.Backend)
	}

	pen, err := openPen(c.Pen, h.servo)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.pen = pen
	if cl, ok := pen.(io.Closer); ok {
		h.closers = append(h.closers, cl)
	}
	return h, nil
}

func openPen(p PenDriver, servo pigpio.ServoSetter) (plotter.PenActuator, error) {
	switch strings.ToLower(p.Type) {
	case "gpio", "":
		return pigpio.Servo{Dev: servo, Pin: p.Pin}, nil
	case "maestro-serial", "maestro":
		m, err := maestro.OpenSerial(p.Port, p.Baud, byte(p.Channel))
		if err != nil {
			return nil, err
		}
		if strings.ToLower(p.Protocol) == "pololu" {
			m.Protocol = maestro.Pololu
		}
		m.DeviceNumber = byte(p.DeviceNumber)
		m.CRC = p.CRC
		return m, nil
	case "maestro-usb":
		m, err := maestro.OpenUSB(p.Product, byte(p.Channel))
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown pen driver %q, want gpio, maestro-serial or maestro-usb", p.Type)
	}
}
