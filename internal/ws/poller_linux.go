//go:build linux

package ws

import (
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes read readiness of many sockets over one epoll instance,
// so idle connections cost no goroutine.
type Poller struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	events []unix.EpollEvent
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches conn for EPOLLIN/EPOLLHUP. The returned reader is where frames
// must be read from; on Linux it is the connection itself.
func (p *Poller) Add(conn net.Conn) (io.Reader, error) {
	fd := socketFD(conn)
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.byFd[fd] = conn
	p.mu.Unlock()
	return conn, nil
}

// Remove stops watching conn.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	delete(p.byFd, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Resume is a no-op: epoll is level triggered and reports unread data again.
func (p *Poller) Resume(net.Conn) {}

// Wait blocks until at least one watched connection is readable.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.byFd[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.byFd = nil
	p.mu.Unlock()
	return unix.Close(p.fd)
}

func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}
