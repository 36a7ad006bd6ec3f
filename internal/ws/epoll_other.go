//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without
// epoll. Each connection gets a monitor that peeks at a buffered reader, so
// no frame bytes are consumed before the server reads them, and waits for
// Done before watching again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watchedConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watchedConn struct {
	br     *bufio.Reader
	resume chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watchedConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watchedConn{
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watchedConn) {
	for {
		_, err := w.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read will observe the same error and remove conn.
			return
		}

		select {
		case <-w.resume:
		case <-e.done:
			return
		}
	}
}

// Remove stops tracking conn. Its monitor exits once the socket is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Reader returns the buffered reader the monitor peeks on, so bytes it
// buffered are not lost.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.br
}

// Done lets the monitor of conn resume watching.
func (e *Epoll) Done(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Len returns the number of watched connections.
func (e *Epoll) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Close stops all monitors.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watchedConn)
	e.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
