//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const pollTimeoutMs = 100

// maxEvents is the number of readiness events fetched per wait.
const maxEvents = 128

var errNoFD = errors.New("ws: connection has no file descriptor")

// Epoll multiplexes socket readiness with Linux epoll so that idle sockets
// cost no goroutine. It is level-triggered: a socket with unread bytes is
// reported again on the next wait.
type Epoll struct {
	epfd   int
	mu     sync.RWMutex
	byFD   map[int]net.Conn
	events [maxEvents]unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{epfd: epfd, byFD: make(map[int]net.Conn)}, nil
}

// Add watches conn for input and peer hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoFD
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoFD
	}
	e.mu.Lock()
	delete(e.byFD, fd)
	e.mu.Unlock()
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait returns the connections that became readable. An empty result means
// the wait timed out.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.epfd, e.events[:], pollTimeoutMs)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Len returns the number of watched connections.
func (e *Epoll) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byFD)
}

// Reader returns the source to read conn's frames from. With epoll nothing
// is buffered, so it is conn itself.
func (e *Epoll) Reader(conn net.Conn) io.Reader { return conn }

// Done is a no-op; level-triggered epoll needs no re-arming.
func (e *Epoll) Done(net.Conn) {}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFD = map[int]net.Conn{}
	e.mu.Unlock()
	return unix.Close(e.epfd)
}

// socketFD returns conn's descriptor via SyscallConn, which unlike File does
// not dup it, or -1 for connections without one (net.Pipe in tests).
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
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
