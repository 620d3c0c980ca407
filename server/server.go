// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server owns the listening socket, the readiness poller and the
// connection set. All socket work happens on the goroutine running Serve.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/control"
	"github.com/momentics/pollws/reactor"
)

// ConnectionHandler is the per-connection protocol strategy.
type ConnectionHandler interface {
	// Handshake runs once, synchronously, right after accept and before
	// the connection joins the readiness set.
	Handshake(c *Conn) error
	// Process performs one unit of work on a readable connection and
	// returns the message to dispatch, if any. Returned errors are
	// treated as faults of that connection.
	Process(c *Conn) (*Message, error)
	// Close tears the connection down and releases its socket.
	Close(c *Conn)
}

// State is the server lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "stopped"
}

// Server is a single-threaded readiness-loop TCP server.
type Server struct {
	cfg     *Config
	handler ConnectionHandler
	router  *Router
	log     *slog.Logger
	metrics *control.Metrics
	probes  *control.Probes

	state    atomic.Int32
	started  atomic.Bool
	stopping atomic.Bool
	active   atomic.Int64
	addr     atomic.Value // net.Addr

	// owned by the loop goroutine
	ln       *net.TCPListener
	lfd      int
	poller   reactor.Poller
	conns    []*Conn
	nextID   ConnID
	ready    []int
	readable map[int]struct{}
}

// New builds a server. A nil cfg means DefaultConfig; a nil handler means
// a WebSocketHandler without an OnMessage callback.
func New(cfg *Config, h ConnectionHandler, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if h == nil {
		h = NewWebSocketHandler(cfg, nil)
	}
	s := &Server{
		cfg:      cfg,
		handler:  h,
		router:   NewRouter(),
		log:      slog.Default(),
		metrics:  control.NewMetrics(),
		lfd:      -1,
		readable: make(map[int]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "server")
	if s.probes != nil {
		s.registerProbes(s.probes)
	}
	return s
}

// Start binds the listening socket and creates the poller.
func (s *Server) Start() error {
	// an invalid config leaves the server startable once it is fixed
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("start: %w", api.ErrServerClosed)
	}

	ln, err := net.Listen(s.cfg.Network, s.cfg.ListenAddr)
	if err != nil {
		s.log.Error("socket not successfully initialized, aborting", "addr", s.cfg.ListenAddr, "error", err)
		return api.Wrap(api.ErrCodeBind, "bind listener",
			fmt.Errorf("%w: %s: %w", api.ErrBind, s.cfg.ListenAddr, err))
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return api.Wrap(api.ErrCodeBind, "bind listener",
			fmt.Errorf("%w: %s is not a TCP listener", api.ErrBind, s.cfg.ListenAddr))
	}

	poller, err := reactor.New()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("create poller: %w", err)
	}
	lfd, err := reactor.FD(tln)
	if err == nil {
		err = poller.Add(lfd)
	}
	if err != nil {
		_ = poller.Close()
		_ = ln.Close()
		return fmt.Errorf("register listener: %w", err)
	}

	s.ln, s.lfd, s.poller = tln, lfd, poller
	s.addr.Store(tln.Addr())
	s.state.Store(int32(StateListening))
	s.log.Info("listening", "addr", tln.Addr().String())
	return nil
}

// Serve runs the loop until Stop is called or ctx is done, then closes
// every connection and the listener. It returns nil on a clean stop and
// the fault when FailStop ends the loop.
func (s *Server) Serve(ctx context.Context) error {
	if s.State() != StateListening {
		return api.ErrNotListening
	}
	defer s.shutdown()

	for !s.stopping.Load() {
		if ctx.Err() != nil {
			s.log.Debug("context done, stopping", "cause", context.Cause(ctx))
			break
		}
		if err := s.tick(); err != nil {
			s.log.Error("general error encountered, attempting graceful shutdown", "error", err)
			return err
		}
	}
	return nil
}

// ListenAndServe binds and serves on the calling goroutine.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// ServeAsync binds on the calling goroutine and serves on a new one. The
// channel yields Serve's result, or the bind error, then closes.
func (s *Server) ServeAsync(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	if s.State() != StateListening {
		if err := s.Start(); err != nil {
			errc <- err
			close(errc)
			return errc
		}
	}
	go func() {
		defer close(errc)
		errc <- s.Serve(ctx)
	}()
	return errc
}

// Stop asks the loop to exit after its current tick. Safe from any
// goroutine.
func (s *Server) Stop() {
	if s.stopping.CompareAndSwap(false, true) {
		s.log.Debug("stopping listening")
	}
}

// Register adds a listener for message type t. Call before Serve.
func (s *Server) Register(l Listener, t MessageType) {
	s.router.Register(l, t)
}

// Broadcast queues data on every open connection except one. Only call
// from listeners or handlers, which run on the loop goroutine.
func (s *Server) Broadcast(data []byte, except *Conn) int {
	n := 0
	for _, c := range s.conns {
		if c == except || c.IsToBeClosed() || c.IsClosed() {
			continue
		}
		c.Queue(data)
		n++
	}
	return n
}

// Connections returns the live connection set. Loop goroutine only.
func (s *Server) Connections() []*Conn {
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// ActiveConnections is safe from any goroutine.
func (s *Server) ActiveConnections() int { return int(s.active.Load()) }

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	a, _ := s.addr.Load().(net.Addr)
	return a
}

// State returns the lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// Metrics returns the server's counters.
func (s *Server) Metrics() *control.Metrics { return s.metrics }

// Config returns the server configuration.
func (s *Server) Config() *Config { return s.cfg }

func (s *Server) registerProbes(p *control.Probes) {
	p.Register("server.state", func() any { return s.State().String() })
	p.Register("server.connections", func() any { return s.ActiveConnections() })
	p.Register("server.addr", func() any {
		if a := s.Addr(); a != nil {
			return a.String()
		}
		return ""
	})
	p.Register("server.metrics", func() any { return s.metrics.Snapshot() })
}

// shutdown closes all connections gracefully, then the listener and the
// poller. The server cannot be restarted.
func (s *Server) shutdown() {
	s.log.Debug("closing connections", "n", len(s.conns))
	for _, c := range s.conns {
		s.teardown(c)
	}
	clear(s.conns)
	s.conns = nil
	s.active.Store(0)
	s.metrics.Set("connections.active", 0)

	if s.poller != nil {
		_ = s.poller.Remove(s.lfd)
		_ = s.poller.Close()
	}
	if s.ln != nil {
		s.log.Debug("closing server socket")
		_ = s.ln.Close()
	}
	s.state.Store(int32(StateStopped))
	s.log.Info("server done listening")
}
