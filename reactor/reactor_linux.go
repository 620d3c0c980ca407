//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based readiness poller, level triggered.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 256

const readableMask = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR

// epollPoller is an epoll-based Poller.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollPoller{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd with epoll.
func (p *epollPoller) Add(fd int) error {
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. The kernel already dropped closed descriptors.
func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return fmt.Errorf("epoll ctl del %d: %w", fd, err)
}

// Wait collects readable descriptors. When the event buffer fills, it is
// grown for the next call; the remaining fds stay ready (level triggered).
func (p *epollPoller) Wait(timeout time.Duration, ready []int) ([]int, error) {
	ready = ready[:0]
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil // interrupted by signal
		}
		return ready, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		if p.events[i].Events&readableMask != 0 {
			ready = append(ready, int(p.events[i].Fd))
		}
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*n)
	}
	return ready, nil
}

// Close closes the epoll instance.
func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
