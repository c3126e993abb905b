package apmux

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/local_transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// correlator turns the driver's asynchronous query reply into a
// synchronous result. The loop forwards the reply bytes to a per-process
// socket and the querying caller waits on it. Only one query may be
// outstanding.
type correlator struct {
	path     string
	inFlight chan struct{}
	listener *local_transport.Listener
}

func newCorrelator(path string) *correlator {
	return &correlator{
		path:     path,
		inFlight: make(chan struct{}, 1),
	}
}

func (c *correlator) tryAcquire() bool {
	select {
	case c.inFlight <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *correlator) release() {
	<-c.inFlight
}

func (c *correlator) busy() bool {
	return len(c.inFlight) > 0
}

func (c *correlator) openListener() error {
	if c.listener != nil {
		return nil
	}
	ln, err := local_transport.Listen(c.path)
	if err != nil {
		return fmt.Errorf("command ended socket: %w", err)
	}
	c.listener = ln
	return nil
}

func (c *correlator) closeListener() {
	if c.listener == nil {
		return
	}
	if err := c.listener.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close command ended socket")
	}
	c.listener = nil
}

// forwardQueryReply is the driver slot's solicited callback. It runs on the
// loop goroutine.
func (m *Manager) forwardQueryReply(ifname string, event, subevent int, data []byte) {
	if len(data) == 0 {
		logger.WithField("ifname", ifname).Warn("Empty driver query reply")
		return
	}
	if len(data) > MaxDriverMessageLength {
		logger.WithFields(logrus.Fields{
			"ifname": ifname,
			"len":    len(data),
		}).Warn("Dropping oversized driver query reply")
		return
	}

	if logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		head := data
		if len(head) > 16 {
			head = head[:16]
		}
		logger.WithFields(logrus.Fields{
			"ifname":   ifname,
			"subevent": subevent,
			"len":      len(data),
			"head":     fmt.Sprintf("% x", head),
		}).Debug("Forwarding driver query reply")
	}

	if err := local_transport.Notify(m.query.path, data, m.cfg.NotifyTimeout); err != nil {
		logger.WithError(err).Warn("Failed to forward driver query reply")
	}
}

// DriverQuery sends a vendor command and waits up to the configured query
// timeout for its reply. A query issued while another is outstanding fails
// with ErrQueryInProgress. No reply in time yields ErrNoReply and an empty
// result. It may be called from an event callback.
func (m *Manager) DriverQuery(ctx context.Context, cmd VendorCommand) (QueryResult, error) {
	if err := cmd.validate(); err != nil {
		return QueryResult{}, err
	}

	if !m.query.tryAcquire() {
		return QueryResult{}, ErrQueryInProgress
	}
	defer m.query.release()

	log := logger.WithFields(logrus.Fields{
		"query_id":   uuid.NewString(),
		"ifname":     cmd.IfName,
		"subcommand": fmt.Sprintf("0x%x", cmd.SubCommand),
	})

	ln, err := m.sendQuery(cmd)
	if err != nil {
		log.WithError(err).Warn("Driver query not sent")
		return QueryResult{}, err
	}

	data, received, err := m.awaitReply(ctx, ln)
	if err != nil {
		log.WithError(err).Warn("Driver query wait failed")
		return QueryResult{}, fmt.Errorf("%w: waiting for reply: %w", ErrFailure, err)
	}
	if !received {
		log.WithField("timeout", m.cfg.QueryTimeout).Warn("Driver query timed out")
		return QueryResult{}, fmt.Errorf("%w: %w after %s", ErrFailure, ErrNoReply, m.cfg.QueryTimeout)
	}

	log.WithField("len", len(data)).Debug("Driver query answered")
	return QueryResult{Received: true, Data: data}, nil
}

// awaitReply waits for the forwarded reply in poll-timeout slices. While the
// loop is busy, which includes running the callback this query may have been
// issued from, the caller pumps the query socket itself.
func (m *Manager) awaitReply(ctx context.Context, ln *local_transport.Listener) ([]byte, bool, error) {
	deadline := time.Now().Add(m.cfg.QueryTimeout)
	for {
		if m.servicing.Load() {
			m.pumpQueryReplies()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		wait := min(remaining, m.cfg.PollTimeout)

		data, received, err := ln.Receive(ctx, wait, wait, MaxDriverMessageLength)
		if err != nil || received {
			return data, received, err
		}
	}
}

func (m *Manager) pumpQueryReplies() {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	s, err := m.driverSlot()
	if err != nil {
		return
	}
	if err := m.pumpSolicited(s); err != nil {
		logger.WithError(err).Debug("Query socket pump failed")
	}
}

// sendQuery sends cmd on the solicited socket and returns the listener the
// reply will arrive on.
func (m *Manager) sendQuery(cmd VendorCommand) (*local_transport.Listener, error) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	s, err := m.driverSlot()
	if err != nil {
		return nil, err
	}
	ln := m.query.listener
	if ln == nil {
		return nil, fmt.Errorf("%w: command ended socket is not open", ErrFailure)
	}

	// A reply to an earlier timed-out query must not answer this one.
	if n := ln.Drain(); n > 0 {
		logger.WithField("dropped", n).Debug("Discarded stale driver query replies")
	}

	if err := s.driver.SendVendorCommand(PumpSolicited, cmd); err != nil {
		return nil, fmt.Errorf("%w: send vendor command: %w", ErrFailure, err)
	}
	return ln, nil
}
