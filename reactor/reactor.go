// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness interface.

package reactor

import (
	"fmt"
	"syscall"
	"time"
)

// Poller reports which registered descriptors are readable.
// Implementations are not safe for concurrent use.
type Poller interface {
	// Add registers fd for read readiness.
	Add(fd int) error

	// Remove unregisters fd. Removing an unknown fd is not an error.
	Remove(fd int) error

	// Wait blocks for at most timeout and appends every readable fd to
	// ready[:0]. A negative timeout blocks indefinitely; zero polls.
	// Hangups and socket errors count as readable so the owner observes
	// them on its next read.
	Wait(timeout time.Duration, ready []int) ([]int, error)

	// Close releases the poller.
	Close() error
}

// New constructs the Poller for the running platform.
func New() (Poller, error) {
	return newPoller()
}

// FD extracts the descriptor of a socket without taking ownership of it.
func FD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("reactor: syscall conn: %w", err)
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, fmt.Errorf("reactor: control: %w", err)
	}
	return fd, nil
}

// timeoutMillis rounds up so a sub-millisecond timeout does not become a
// busy poll.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
