//go:build unix && !linux

// File: reactor/reactor_poll.go
// Author: momentics <momentics@gmail.com>
//
// poll(2)-based readiness poller for BSD, Darwin and the other unix
// platforms without epoll.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const readableMask = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// pollPoller rebuilds the pollfd set on every Wait from its registry.
type pollPoller struct {
	index map[int]int // fd -> position in fds
	fds   []unix.PollFd
}

func newPoller() (Poller, error) {
	return &pollPoller{index: make(map[int]int)}, nil
}

func (p *pollPoller) Add(fd int) error {
	if _, ok := p.index[fd]; ok {
		return fmt.Errorf("poll add %d: %w", fd, unix.EEXIST)
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	i, ok := p.index[fd]
	if !ok {
		return nil
	}
	last := len(p.fds) - 1
	p.fds[i] = p.fds[last]
	p.index[int(p.fds[i].Fd)] = i
	p.fds = p.fds[:last]
	delete(p.index, fd)
	return nil
}

func (p *pollPoller) Wait(timeout time.Duration, ready []int) ([]int, error) {
	ready = ready[:0]
	for i := range p.fds {
		p.fds[i].Revents = 0
	}
	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, fmt.Errorf("poll: %w", err)
	}
	for i := 0; i < len(p.fds) && len(ready) < n; i++ {
		if p.fds[i].Revents&readableMask != 0 {
			ready = append(ready, int(p.fds[i].Fd))
		}
	}
	return ready, nil
}

func (p *pollPoller) Close() error {
	p.fds = nil
	clear(p.index)
	return nil
}
