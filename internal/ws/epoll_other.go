//go:build !linux

package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection has a monitor goroutine that blocks on a one-byte
// read; the byte is handed back through Reader so no frame data is lost.
type Epoll struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
}

type watch struct {
	pending []byte
	resume  chan struct{}
	stop    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	e.mu.Lock()
	e.watches[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor reports conn as ready once a byte arrives, then waits for the
// server to finish with the frame before reading again.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			e.mu.Lock()
			w.pending = append(w.pending, buf[0])
			e.mu.Unlock()
		}

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.watches[conn]
	delete(e.watches, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Reader returns a reader that yields the byte consumed by the monitor
// before the rest of the connection's data.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watches[conn]
	if !ok || len(w.pending) == 0 {
		return conn
	}
	pending := w.pending
	w.pending = nil
	return io.MultiReader(bytes.NewReader(pending), conn)
}

// Rearm lets conn's monitor resume reading.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.watches[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready without blocking further.
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

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	e.watches = make(map[net.Conn]*watch)
	return nil
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
