// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"log/slog"

	"github.com/momentics/pollws/control"
)

// Option customizes server initialization.
type Option func(*Server)

// WithLogger sets the server logger; connection loggers derive from it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics shares a metrics registry with the caller.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithRouter replaces the listener router.
func WithRouter(r *Router) Option {
	return func(s *Server) {
		if r != nil {
			s.router = r
		}
	}
}

// WithProbes registers the server's debug probes in p.
func WithProbes(p *control.Probes) Option {
	return func(s *Server) {
		if p != nil {
			s.probes = p
		}
	}
}
