/*Package comm provides connection plumbing for remote lab hardware.

The expected usage is to build a Pool with a connection maker, then Get a
connection for each exchange and return it with Put, or ReturnWithError if
the exchange may have poisoned it.  The Terminator and Timeout wrappers
adapt a raw connection to line-framed messaging with deadlines:

	maker := comm.BackingOffTCPConnMaker("localhost:7010", 3*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, 10*time.Second)
*/
package comm

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrNotDeadliner is generated when a Timeout wrapper is requested around a
// connection that has no deadline support
var ErrNotDeadliner = errors.New("connection does not support deadlines, cannot apply timeout")

// CreationFunc is a function which returns a new "connection" to something.
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPConnMaker returns a CreationFunc that dials addr with the given timeout
// on connect, without retry
func TCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
}

// BackingOffTCPConnMaker is like TCPConnMaker, but retries with exponential
// backoff.  Some devices do not tolerate connection thrashing; a refused
// connection is retried until maxElapsed has passed.
func BackingOffTCPConnMaker(addr string, maxElapsed time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn io.ReadWriteCloser
		op := func() error {
			c, err := net.DialTimeout("tcp", addr, maxElapsed)
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
			MaxElapsedTime:      maxElapsed,
			Clock:               backoff.SystemClock})
		return conn, err
	}
}

// SerialConnMaker returns a CreationFunc that opens the port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// Terminator wraps a ReadWriter; writes have the Tx terminator appended and
// reads consume through the Rx terminator, which is stripped from the
// returned data
type Terminator struct {
	rw     io.ReadWriter
	rdr    *bufio.Reader
	rx, tx byte
}

// NewTerminator returns a Terminator around rw with the given terminator bytes
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rdr: bufio.NewReader(rw), rx: rx, tx: tx}
}

func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n == len(buf) {
		n--
	}
	return n, err
}

// Read consumes one framed message into p.  The terminator is not copied.
// If p is too small for the message the remainder is lost; use ReadLine for
// messages of unbounded size.
func (t *Terminator) Read(p []byte) (int, error) {
	buf, err := t.ReadLine()
	if err != nil {
		return 0, err
	}
	n := copy(p, buf)
	return n, nil
}

// ReadLine consumes one framed message of any length and returns it with
// the terminator stripped
func (t *Terminator) ReadLine() ([]byte, error) {
	buf, err := t.rdr.ReadBytes(t.rx)
	if err != nil {
		return nil, err
	}
	return buf[:len(buf)-1], nil
}

// deadliner matches net.Conn's deadline methods
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout wraps a ReadWriter, arming read and write deadlines before each
// operation.  The inner connection must reach something with deadline
// support (a net.Conn, possibly behind a Terminator).
type Timeout struct {
	rw      io.ReadWriter
	d       deadliner
	timeout time.Duration
}

// NewTimeout returns a Timeout wrapper around rw, or ErrNotDeadliner if
// neither rw nor its wrapped connection supports deadlines
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (*Timeout, error) {
	d, ok := rw.(deadliner)
	if !ok {
		if t, ok2 := rw.(*Terminator); ok2 {
			d, ok = t.rw.(deadliner)
		}
	}
	if !ok {
		return nil, ErrNotDeadliner
	}
	return &Timeout{rw: rw, d: d, timeout: timeout}, nil
}

func (t *Timeout) Write(b []byte) (int, error) {
	err := t.d.SetWriteDeadline(time.Now().Add(t.timeout))
	if err != nil {
		return 0, err
	}
	return t.rw.Write(b)
}

func (t *Timeout) Read(p []byte) (int, error) {
	err := t.d.SetReadDeadline(time.Now().Add(t.timeout))
	if err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

// lineReader is satisfied by Terminator
type lineReader interface {
	ReadLine() ([]byte, error)
}

// ReadLine arms the read deadline and consumes one framed message, when the
// wrapped ReadWriter supports line reads (a Terminator does)
func (t *Timeout) ReadLine() ([]byte, error) {
	lr, ok := t.rw.(lineReader)
	if !ok {
		return nil, errors.New("wrapped connection does not support line reads")
	}
	err := t.d.SetReadDeadline(time.Now().Add(t.timeout))
	if err != nil {
		return nil, err
	}
	return lr.ReadLine()
}
