//go:build !linux
// +build !linux

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller falls back to poll(2) where epoll is unavailable.
type pollPoller struct{}

// New creates a poll(2)-backed Poller.
func New() (Poller, error) {
	return &pollPoller{}, nil
}

func (p *pollPoller) Wait(fds []int, timeout time.Duration) (ReadySet, error) {
	pfds := make([]unix.PollFd, 0, len(fds))
	for _, fd := range fds {
		if fd < 0 {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	_, err := unix.Poll(pfds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ReadySet{}, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}

	ready := make(ReadySet)
	for _, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ready[int(pfd.Fd)] = struct{}{}
		}
	}
	return ready, nil
}

func (p *pollPoller) Close() error {
	return nil
}
