package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int           // maximum number of connections
	timeout time.Duration // time after the last Put with nothing leased before idle connections are closed
	maker   CreationFunc

	// slots holds one token per leased connection, Get blocks when it is full
	slots chan struct{}

	mu      sync.Mutex
	idle    []io.ReadWriteCloser
	onLease int
	timer   *time.Timer
}

// NewPool creates a pool of at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		slots:   make(chan struct{}, maxSize),
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  It is guaranteed that there is no contention for the ReadWriter.
//
// When done with the connection, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., a read timed out mid-frame).
//
// If the error from Get is not nil, you must not return anything to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.slots <- struct{}{}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.onLease++
		return c, nil
	}
	c, err := p.maker()
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.onLease++
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// closed after all connections are returned and the timeout has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	p.idle = append(p.idle, rw.(io.ReadWriteCloser))
	p.onLease--
	if p.onLease == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
	p.mu.Unlock()
	<-p.slots
}

// Destroy immediately closes a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.slots
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close closes every idle connection.  Leased connections are closed when
// they are Destroyed, or on the next reclaim after they are Put.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return p.closeIdle()
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease == 0 {
		p.closeIdle()
	}
}

func (p *Pool) closeIdle() error {
	var first error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.idle = nil
	return first
}
