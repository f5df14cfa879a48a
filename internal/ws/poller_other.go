//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Poller is the portable fallback: one goroutine per connection peeks for
// data and hands the connection to Wait, then parks until the server has
// finished reading and calls Resume.
type Poller struct {
	mu     sync.Mutex
	resume map[net.Conn]chan struct{}
	ready  chan net.Conn
	done   chan struct{}
	once   sync.Once
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		resume: make(map[net.Conn]chan struct{}),
		ready:  make(chan net.Conn, 128),
		done:   make(chan struct{}),
	}, nil
}

// Add starts watching conn. Frames must be read from the returned reader,
// which holds the peeked bytes.
func (p *Poller) Add(conn net.Conn) (io.Reader, error) {
	br := bufio.NewReader(conn)
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	p.resume[conn] = resume
	p.mu.Unlock()

	go p.watch(conn, br, resume)
	return br, nil
}

func (p *Poller) watch(conn net.Conn, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Remove stops watching conn.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	if ch, ok := p.resume[conn]; ok {
		close(ch)
		delete(p.resume, conn)
	}
	p.mu.Unlock()
	return nil
}

// Resume lets the watcher of conn look for the next frame.
func (p *Poller) Resume(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.resume[conn]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until at least one connection has data.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}
	conns := []net.Conn{first}
	for {
		select {
		case c := <-p.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops every watcher.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
