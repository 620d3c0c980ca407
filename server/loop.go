// File: server/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One loop tick: wait, accept, prune, process, flush.

package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/reactor"
)

// acceptWait bounds each Accept after readiness was reported, so a
// connection that vanished before accept cannot block the loop.
const acceptWait = time.Millisecond

func (s *Server) tick() error {
	s.metrics.Add("loop.ticks", 1)

	timeout := s.cfg.PollTimeout
	if s.anyBuffered() {
		timeout = 0
	}
	ready, err := s.poller.Wait(timeout, s.ready)
	if err != nil {
		return api.Wrap(api.ErrCodeInternal, "readiness wait", err)
	}
	s.ready = ready
	clear(s.readable)
	for _, fd := range ready {
		s.readable[fd] = struct{}{}
	}

	// 1. accept
	if _, ok := s.readable[s.lfd]; ok {
		s.acceptPending()
	}

	// 2. prune
	s.prune()

	// 3. process, in insertion order
	for _, c := range s.conns {
		if c.IsToBeClosed() {
			continue
		}
		if _, ok := s.readable[c.fd]; !ok && !c.readPending() {
			continue
		}
		if err := s.process(c); err != nil {
			return err
		}
	}

	// 4. flush after every connection had its turn
	for _, c := range s.conns {
		n, err := c.Flush()
		s.metrics.Add("bytes.out", int64(n))
		if err != nil {
			c.Logger().Warn("socket error while sending message", "error", err)
			s.metrics.Add("errors.socket", 1)
		}
	}
	return nil
}

func (s *Server) anyBuffered() bool {
	for _, c := range s.conns {
		if !c.IsToBeClosed() && c.readPending() {
			return true
		}
	}
	return false
}

func (s *Server) acceptPending() {
	defer func() { _ = s.ln.SetDeadline(time.Time{}) }()
	for i := 0; s.cfg.MaxAcceptPerTick == 0 || i < s.cfg.MaxAcceptPerTick; i++ {
		_ = s.ln.SetDeadline(time.Now().Add(acceptWait))
		nc, err := s.ln.AcceptTCP()
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				s.log.Warn("accept failed", "error", err)
				s.metrics.Add("errors.accept", 1)
			}
			return
		}
		s.admit(nc)
	}
}

// admit runs the handshake and adds the connection to the set. Rejected
// connections join too and are released by the next prune.
func (s *Server) admit(nc *net.TCPConn) {
	s.nextID++
	c := newConn(s.nextID, nc, s.log)
	c.writeTimeout = s.cfg.WriteTimeout
	s.metrics.Add("connections.accepted", 1)
	c.Logger().Debug("new connection created")

	fd, err := reactor.FD(nc)
	if err != nil {
		c.Logger().Warn("descriptor unavailable, dropping connection", "error", err)
		_ = c.Close()
		return
	}
	c.fd = fd

	_ = c.SetReadDeadline(s.cfg.HandshakeTimeout)
	if err := s.handshake(c); err != nil {
		c.Logger().Warn("handshake failed", "error", err)
		s.metrics.Add("handshakes.rejected", 1)
		c.MarkForClosing()
	}
	_ = c.SetReadDeadline(0)

	if !c.IsToBeClosed() {
		if err := s.poller.Add(fd); err != nil {
			c.Logger().Error("readiness registration failed", "error", err)
			c.MarkForClosing()
		}
	}
	s.conns = append(s.conns, c)
	s.active.Store(int64(len(s.conns)))
	s.metrics.Set("connections.active", int64(len(s.conns)))
	s.log.Debug("total connections", "n", len(s.conns))
}

func (s *Server) handshake(c *Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Wrap(api.ErrCodeHandshake, "handshake panic", fmt.Errorf("%v", r))
		}
	}()
	return s.handler.Handshake(c)
}

func (s *Server) prune() {
	kept := s.conns[:0]
	for _, c := range s.conns {
		if c.IsToBeClosed() || c.IsClosed() || !c.valid() {
			if c.PeerClosed() {
				c.Logger().Debug("connection closure initiated by peer")
			}
			s.teardown(c)
			continue
		}
		kept = append(kept, c)
	}
	clear(s.conns[len(kept):])
	s.conns = kept
	s.active.Store(int64(len(s.conns)))
	s.metrics.Set("connections.active", int64(len(s.conns)))
}

// teardown unregisters c and lets the handler close it. A panic in the
// handler still releases the socket.
func (s *Server) teardown(c *Conn) {
	if c.fd >= 0 {
		if err := s.poller.Remove(c.fd); err != nil {
			c.Logger().Debug("readiness removal failed", "error", err)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			c.Logger().Error("panic while closing connection", "panic", r)
		}
		_ = c.Close()
		s.metrics.Add("connections.closed", 1)
	}()
	c.Logger().Debug("starting graceful closure")
	s.handler.Close(c)
}

// process runs one unit of work on c and dispatches the result. Faults
// inside the handler or a listener are routed through fault.
func (s *Server) process(c *Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Wrap(api.ErrCodeInternal, "panic while processing connection", fmt.Errorf("%v", r)).
				WithContext("conn", c.ID())
		}
		if err != nil {
			err = s.fault(c, err)
		}
	}()

	c.starved = false
	_ = c.SetReadDeadline(s.cfg.ReadTimeout)
	msg, err := s.handler.Process(c)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	s.metrics.Add("messages.in", 1)
	c.Logger().Debug("handling message", "message", msg)
	s.router.Dispatch(msg, c, s)
	return nil
}

// fault closes c on socket errors. Anything else either stops the server
// (FailStop) or is isolated to c.
func (s *Server) fault(c *Conn, err error) error {
	if isSocketError(err) {
		serr := api.Wrap(api.ErrCodeSocket, "socket error", err).WithContext("conn", c.ID())
		c.Logger().Warn("socket error", "error", serr, "code", serr.Code)
		s.metrics.Add("errors.socket", 1)
		c.MarkForClosing()
		return nil
	}
	s.metrics.Add("errors.internal", 1)
	if s.cfg.FailStop {
		return err
	}
	c.Logger().Error("unexpected error, closing connection", "error", err, "code", api.CodeOf(err))
	c.MarkForClosing()
	return nil
}

func isSocketError(err error) bool {
	var ne net.Error
	return isReset(err) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &ne)
}
