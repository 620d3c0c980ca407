// File: server/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn is one accepted TCP connection owned by the server loop: status
// flags, a buffered reader shared by handshake and frame decoding, and a
// FIFO of encoded outbound buffers drained once per tick.

package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/protocol"
)

// DefaultReadBufferSize sizes the per-connection reader.
const DefaultReadBufferSize = 4096

// fillWait bounds a Fill on a socket that reported readiness.
const fillWait = time.Millisecond

// Status is the lifecycle state of a connection.
type Status int32

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "closed"
	}
}

// ConnID identifies a connection for the lifetime of a server.
type ConnID uint64

// Conn is not safe for concurrent use; only the server loop and the
// handlers and listeners it calls may touch it.
type Conn struct {
	id      ConnID
	nc      net.Conn
	fd      int
	address string
	port    int
	log     *slog.Logger

	br          *bufio.Reader
	frames      *protocol.FrameReader
	readTimeout time.Duration
	starved     bool // buffered bytes are an incomplete unit

	out          *queue.Queue // of []byte
	last         []byte
	writeTimeout time.Duration

	status     Status
	handshook  bool
	toBeClosed bool
	closed     bool
	peerClosed bool
}

// NewConn wraps nc. A nil logger means slog.Default().
func NewConn(nc net.Conn, logger *slog.Logger) *Conn {
	return newConn(0, nc, logger)
}

func newConn(id ConnID, nc net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		id:  id,
		nc:  nc,
		fd:  -1,
		br:  bufio.NewReaderSize(nc, DefaultReadBufferSize),
		out: queue.New(),
	}
	if tcp, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		c.address, c.port = tcp.IP.String(), tcp.Port
	} else if ra := nc.RemoteAddr(); ra != nil {
		c.address = ra.String()
	}
	c.frames = protocol.NewFrameReader(c.br)
	c.log = logger.With("conn", id, "remote", net.JoinHostPort(c.address, strconv.Itoa(c.port)))
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() ConnID { return c.id }

// Address returns the peer IP.
func (c *Conn) Address() string { return c.address }

// Port returns the peer port.
func (c *Conn) Port() int { return c.port }

// NetConn exposes the underlying socket.
func (c *Conn) NetConn() net.Conn { return c.nc }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *slog.Logger { return c.log }

// Status returns the lifecycle state.
func (c *Conn) Status() Status { return c.status }

// SetStatus moves the connection to s.
func (c *Conn) SetStatus(s Status) {
	if c.status != s {
		c.log.Debug("connection status changed", "from", c.status, "to", s)
	}
	c.status = s
}

// MarkHandshook records a successful opening handshake.
func (c *Conn) MarkHandshook() {
	c.SetStatus(StatusConnected)
	c.handshook = true
}

// IsHandshook reports whether the opening handshake succeeded.
func (c *Conn) IsHandshook() bool { return c.handshook }

// MarkForClosing asks the loop to tear the connection down on its next
// prune.
func (c *Conn) MarkForClosing() {
	c.toBeClosed = true
	c.SetStatus(StatusClosed)
}

// IsToBeClosed reports whether MarkForClosing was called.
func (c *Conn) IsToBeClosed() bool { return c.toBeClosed }

// IsClosed reports whether the socket was released.
func (c *Conn) IsClosed() bool { return c.closed }

// PeerClosed reports whether the peer's CLOSE was received.
func (c *Conn) PeerClosed() bool { return c.peerClosed }

func (c *Conn) markPeerClosed() { c.peerClosed = true }

// Queue appends an encoded buffer to the outbound FIFO.
func (c *Conn) Queue(b []byte) {
	c.out.Add(b)
	c.last = b
}

// QueueFrame encodes f and queues it.
func (c *Conn) QueueFrame(f *protocol.Frame) {
	c.Queue(f.Encode())
}

// Send queues data and, if closeAfter is set, marks the connection for
// closing once the queue has been flushed.
func (c *Conn) Send(data []byte, closeAfter bool) *Conn {
	c.Queue(data)
	if closeAfter {
		c.MarkForClosing()
	}
	return c
}

// Queued returns the number of buffers awaiting flush.
func (c *Conn) Queued() int { return c.out.Length() }

// LastQueued returns the most recently queued buffer, even if it has
// already been flushed.
func (c *Conn) LastQueued() []byte { return c.last }

// ClearQueue drops every pending buffer.
func (c *Conn) ClearQueue() {
	for c.out.Length() > 0 {
		c.out.Remove()
	}
}

// Flush writes queued buffers in order. On a write error the remaining
// buffers are dropped and the connection is marked for closing.
func (c *Conn) Flush() (int, error) {
	written := 0
	for c.out.Length() > 0 {
		b := c.out.Remove().([]byte)
		if c.writeTimeout > 0 {
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		n, err := c.nc.Write(b)
		written += n
		if err != nil {
			c.ClearQueue()
			c.MarkForClosing()
			return written, socketErr("flush", err)
		}
	}
	return written, nil
}

// Read reads from the connection's buffered reader.
func (c *Conn) Read(p []byte) (int, error) { return c.br.Read(p) }

// Reader returns the buffered reader shared with frame decoding.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// Frames returns the frame byte source over the buffered reader.
func (c *Conn) Frames() protocol.ByteSource { return c.frames }

// Buffered returns the number of bytes read from the socket but not yet
// consumed.
func (c *Conn) Buffered() int { return c.br.Buffered() }

// Peek returns the buffered bytes without consuming them. The slice is
// valid until the next read.
func (c *Conn) Peek() []byte {
	b, _ := c.br.Peek(c.br.Buffered())
	return b
}

// Fill moves whatever the socket has ready into the read buffer, waiting
// at most a millisecond. It returns os.ErrDeadlineExceeded when nothing
// arrived and bufio.ErrBufferFull when there is no room left.
func (c *Conn) Fill() error {
	want := c.br.Buffered() + 1
	if want > c.br.Size() {
		return bufio.ErrBufferFull
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(fillWait))
	_, err := c.br.Peek(want)
	_ = c.SetReadDeadline(c.readTimeout)
	return err
}

// NeedMore tells the loop that the buffered bytes do not form a complete
// unit, so the connection waits for socket readiness instead of being
// processed again on buffered data alone.
func (c *Conn) NeedMore() { c.starved = true }

// readPending reports buffered input worth processing without readiness.
func (c *Conn) readPending() bool {
	return !c.starved && c.br.Buffered() > 0
}

// SetReadDeadline arms a read deadline d from now; d <= 0 clears it. Fill
// restores the same timeout after its short wait.
func (c *Conn) SetReadDeadline(d time.Duration) error {
	c.readTimeout = d
	if d <= 0 {
		return c.nc.SetReadDeadline(time.Time{})
	}
	return c.nc.SetReadDeadline(time.Now().Add(d))
}

// writeNow bypasses the queue; used for handshake responses.
func (c *Conn) writeNow(b []byte) error {
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.nc.Write(b); err != nil {
		return socketErr("write", err)
	}
	return nil
}

// socketErr wraps err, tagging a peer reset with api.ErrConnectionReset.
func socketErr(op string, err error) error {
	if isReset(err) {
		return fmt.Errorf("%s: %w: %w", op, api.ErrConnectionReset, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isReset(err error) bool {
	return errors.Is(err, api.ErrConnectionReset) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// Close releases the socket. Queued buffers are discarded.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.SetStatus(StatusClosed)
	c.ClearQueue()
	c.log.Debug("connection closed")
	return c.nc.Close()
}

// valid reports whether the descriptor is still usable.
func (c *Conn) valid() bool {
	if c.closed {
		return false
	}
	sc, ok := c.nc.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	return raw.Control(func(uintptr) {}) == nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn#%d(%s:%d %s)", c.id, c.address, c.port, c.status)
}
