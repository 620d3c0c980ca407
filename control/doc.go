// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, debug introspection and logger construction for pollws.
//
// Provides concurrent-safe primitives read from outside the server loop:
//   - Named int64 counters with snapshot reads
//   - Named debug probes evaluated on demand
//   - slog logger construction from a textual level
package control
