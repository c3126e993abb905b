//go:build linux
// +build linux

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 64

// epollPoller keeps one epoll instance and re-syncs its interest list with
// the requested descriptors on every Wait.
type epollPoller struct {
	epfd       int
	registered map[int]struct{}
	events     [maxEvents]unix.EpollEvent
}

// New creates an epoll-backed Poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollPoller{
		epfd:       epfd,
		registered: make(map[int]struct{}),
	}, nil
}

// sync returns the descriptors that could not be watched. They are reported
// ready so the caller's next read surfaces the failure.
func (p *epollPoller) sync(fds []int) []int {
	var broken []int
	wanted := make(map[int]struct{}, len(fds))
	for _, fd := range fds {
		if fd < 0 {
			continue
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		// A descriptor number may have been closed and reused since the last
		// cycle, in which case the kernel already dropped it and MOD fails.
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		if errors.Is(err, unix.ENOENT) {
			err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		}
		if err != nil {
			broken = append(broken, fd)
			continue
		}
		wanted[fd] = struct{}{}
	}

	for fd := range p.registered {
		if _, ok := wanted[fd]; !ok {
			// ENOENT/EBADF mean the descriptor is already gone.
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
	}
	p.registered = wanted
	return broken
}

func (p *epollPoller) Wait(fds []int, timeout time.Duration) (ReadySet, error) {
	broken := p.sync(fds)

	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ReadySet{}, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	ready := make(ReadySet, n+len(broken))
	for _, fd := range broken {
		ready[fd] = struct{}{}
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ready[int(ev.Fd)] = struct{}{}
		}
	}
	return ready, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
