// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake net.Conn for driving connection handlers without sockets.
// Reads are served from scripted input; writes are captured per call.

package fake

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is a scripted net.Conn. Once the input is exhausted reads return
// io.EOF, or the configured read error.
type Conn struct {
	mu         sync.Mutex
	in         bytes.Buffer
	writes     [][]byte
	closed     bool
	readError  error
	writeError error
	remote     net.Addr
}

// NewConn creates a fake connection whose reads yield input.
func NewConn(input ...[]byte) *Conn {
	c := &Conn{remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}}
	for _, b := range input {
		c.in.Write(b)
	}
	return c
}

// Feed appends more input.
func (c *Conn) Feed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.Write(b)
}

// Read implements net.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.in.Len() == 0 {
		if c.readError != nil {
			return 0, c.readError
		}
		return 0, io.EOF
	}
	return c.in.Read(p)
}

// Write implements net.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeError != nil {
		return 0, c.writeError
	}
	c.writes = append(c.writes, bytes.Clone(p))
	return len(p), nil
}

// Close implements net.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Writes returns every buffer written, one entry per Write call.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Written returns all written bytes concatenated.
func (c *Conn) Written() []byte {
	return bytes.Join(c.Writes(), nil)
}

// Reset forgets captured writes.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = nil
}

// SetReadError makes reads fail with err once input is exhausted.
func (c *Conn) SetReadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readError = err
}

// SetWriteError makes every write fail with err.
func (c *Conn) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeError = err
}

func (c *Conn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000} }
func (c *Conn) RemoteAddr() net.Addr               { return c.remote }
func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }
