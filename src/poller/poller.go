// Package poller waits for read readiness on a changing set of file
// descriptors with a mandatory upper bound on the wait.
package poller

import "time"

// ReadySet holds the descriptors reported readable (or in error) by Wait.
type ReadySet map[int]struct{}

// Has reports whether fd was ready.
func (s ReadySet) Has(fd int) bool {
	_, ok := s[fd]
	return ok
}

// Poller waits for readiness on the given descriptors.
//
// Wait must always return within timeout. An interrupted wait returns an
// empty set and no error. Descriptors in an error or hang-up state are
// reported ready so the owner can notice the failure on its next read.
type Poller interface {
	Wait(fds []int, timeout time.Duration) (ReadySet, error)
	Close() error
}

func timeoutMillis(timeout time.Duration) int {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}
