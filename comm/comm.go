/*Package comm provides connection plumbing for hardware reached over a network
socket or a serial port.

RemoteDevice opens its connection with an exponential backoff, daemons such as
pigpiod refuse connections for a short while after they start.  Exchange
performs one fixed-size request/response round trip with fresh deadlines, which
is how binary protocols (pigpio's socket interface, Pololu's serial protocols)
are spoken.  Pool keeps a few open connections to one remote and closes them
after a period of disuse.

A minimal example for a device answering 16 byte frames:

	rd := comm.NewRemoteDevice("raspberrypi.local:8888", false, nil)
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := comm.Exchange(rd.Conn, req, 16, time.Second)
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when IsSerial is true but no serial.Config was given
	ErrNoSerialConf = errors.New("remote device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and a read or write is attempted.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")
)

// DefaultTimeout is the connect, read and write timeout used when none is given
const DefaultTimeout = 3 * time.Second

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// RemoteDevice has an address and can open a connection to it
//
// if IsSerial is true, Addr is the name of the port (/dev/ttyACM0, COM3) and
// SerialConf supplies the rest of the port settings
type RemoteDevice struct {
	Addr       string
	IsSerial   bool
	SerialConf *serial.Config
	Timeout    time.Duration
	Conn       io.ReadWriteCloser
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(addr string, isSerial bool, conf *serial.Config) RemoteDevice {
	return RemoteDevice{
		Addr:       addr,
		IsSerial:   isSerial,
		SerialConf: conf,
		Timeout:    DefaultTimeout}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	conn, err := rd.dial()
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Maker returns a CreationFunc that dials a new connection to the remote
// each time it is called, suitable for a Pool
func (rd RemoteDevice) Maker() CreationFunc {
	return rd.dial
}

func (rd RemoteDevice) dial() (io.ReadWriteCloser, error) {
	// refused connections are retried, the remote may still be starting.
	// anything else is permanent
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := rd.open()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", rd.Addr, err)
	}
	return conn, nil
}

func (rd RemoteDevice) open() (io.ReadWriteCloser, error) {
	timeout := rd.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if rd.IsSerial {
		if rd.SerialConf == nil {
			return nil, ErrNoSerialConf
		}
		conf := *rd.SerialConf
		conf.Name = rd.Addr
		if conf.ReadTimeout == 0 {
			conf.ReadTimeout = timeout
		}
		return serial.OpenPort(&conf)
	}
	return TCPSetup(rd.Addr, timeout)
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
	}
	return err
}

// Write sends b to the remote in full
func (rd *RemoteDevice) Write(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	_, err := rd.Conn.Write(b)
	return err
}

// Exchange writes req to rw and reads exactly n bytes of response.
// If rw is a network connection, its deadline is pushed timeout into the
// future first, pooled connections outlive any deadline set at dial time.
func Exchange(rw io.ReadWriter, req []byte, n int, timeout time.Duration) ([]byte, error) {
	if rw == nil {
		return nil, ErrNotConnected
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if d, ok := rw.(interface{ SetDeadline(time.Time) error }); ok {
		if err := d.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	if _, err := rw.Write(req); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rw, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
