//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is a stand-in for platforms without epoll. It never reports
// readiness; instead watch gives each connection its own read loop so that
// developers on macOS/Windows can run the server without the epoll
// optimization.
type Epoll struct {
	done chan struct{}
	once sync.Once
}

// NewEpoll creates the stand-in poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{done: make(chan struct{})}, nil
}

// Add is a no-op; see watch.
func (e *Epoll) Add(conn net.Conn) error { return nil }

// Remove is a no-op; the read loop exits once the connection is removed.
func (e *Epoll) Remove(conn net.Conn) error { return nil }

// Wait blocks until Close and then reports net.ErrClosed.
func (e *Epoll) Wait() ([]net.Conn, error) {
	<-e.done
	return nil, net.ErrClosed
}

// Close unblocks Wait.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// watch starts a dedicated read loop for c that runs until the connection is
// removed from the manager.
func (s *Server) watch(c *Connection) error {
	go func() {
		for s.conns.Get(c.ID) != nil {
			s.serveConn(c.Conn)
		}
	}()
	return nil
}
