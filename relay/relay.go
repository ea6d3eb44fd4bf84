// Package relay copies bytes between client and upstream connections and
// keeps per-listener traffic counters.
package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// CloseWriter is implemented by connections that can shut down their
// write side while still reading, such as *net.TCPConn.
type CloseWriter interface {
	CloseWrite() error
}

// Pipe copies in both directions until both are done, then closes both
// connections. When one side finishes sending, the write half of the other
// is shut down so replies still flow back. Connections without half-close
// end the whole tunnel instead.
func Pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyHalf(b, a)
	}()
	go func() {
		defer wg.Done()
		copyHalf(a, b)
	}()
	wg.Wait()
	_ = a.Close()
	_ = b.Close()
}

func copyHalf(dst, src net.Conn) {
	_, err := io.Copy(dst, src)
	if cw, ok := dst.(CloseWriter); ok && err == nil && cw.CloseWrite() == nil {
		return
	}
	_ = dst.SetDeadline(time.Now())
	_ = src.SetDeadline(time.Now())
}

type Stats struct {
	active   atomic.Int64
	handled  atomic.Uint64
	failed   atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

type Snapshot struct {
	Active   int64  `json:"active"`
	Handled  uint64 `json:"handled"`
	Failed   uint64 `json:"failed"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
	Traffic  string `json:"traffic"`
}

func (s *Stats) Snapshot() Snapshot {
	in, out := s.bytesIn.Load(), s.bytesOut.Load()
	return Snapshot{
		Active:   s.active.Load(),
		Handled:  s.handled.Load(),
		Failed:   s.failed.Load(),
		BytesIn:  in,
		BytesOut: out,
		Traffic:  humanize.Bytes(in) + " in / " + humanize.Bytes(out) + " out",
	}
}

// Fail counts a client request that never reached an upstream.
func (s *Stats) Fail() {
	s.handled.Add(1)
	s.failed.Add(1)
}

// Track counts conn as an active upstream connection until it is closed.
// Bytes read from it count as inbound, bytes written as outbound.
func (s *Stats) Track(conn net.Conn) net.Conn {
	s.handled.Add(1)
	s.active.Add(1)
	return &trackedConn{Conn: conn, stats: s}
}

// Served counts a one-shot request whose traffic did not go through a
// tracked connection.
func (s *Stats) Served(in, out int64) {
	s.handled.Add(1)
	if in > 0 {
		s.bytesIn.Add(uint64(in))
	}
	if out > 0 {
		s.bytesOut.Add(uint64(out))
	}
}

type trackedConn struct {
	net.Conn
	stats  *Stats
	closed atomic.Bool
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.stats.bytesIn.Add(uint64(n))
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.stats.bytesOut.Add(uint64(n))
	return n, err
}

func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(CloseWriter); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

func (c *trackedConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.stats.active.Add(-1)
	}
	return c.Conn.Close()
}
