package apmux

import (
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/poller"
	"github.com/sirupsen/logrus"
)

// run is the event loop body. It checks stop at the top of every cycle and
// again after the readiness wait returns.
func (m *Manager) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		m.runCycle(stop)
	}
}

func (m *Manager) runCycle(stop <-chan struct{}) {
	fds := m.collectFds()

	ready, err := m.poller.Wait(fds, m.cfg.PollTimeout)

	select {
	case <-stop:
		return
	default:
	}

	m.servicing.Store(true)
	defer m.servicing.Store(false)

	immediate := false
	if err != nil {
		logger.WithError(err).Warn("Readiness wait failed")
	} else if len(ready) > 0 {
		immediate = m.dispatch(ready)
	}

	select {
	case <-m.nudge:
		immediate = true
	default:
	}

	m.runHealthPasses(immediate)
}

// collectFds refreshes each connected slot's descriptors and returns the
// set to wait on.
func (m *Manager) collectFds() []int {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	var fds []int
	m.registry.Each(func(s *Slot) {
		switch {
		case s.hostap != nil:
			fd, err := s.hostap.EventFd()
			if err != nil {
				logger.WithError(err).WithField("vap", s.Name).Debug("No event fd this cycle")
				s.EventFd = -1
				return
			}
			s.EventFd = fd
			fds = append(fds, fd)
		case s.driver != nil:
			eventFd, queryFd, err := s.driver.Fds()
			if err != nil {
				logger.WithError(err).Debug("No driver fds this cycle")
				s.invalidateFds()
				return
			}
			s.EventFd = eventFd
			s.QueryFd = queryFd
			fds = append(fds, eventFd, queryFd)
		}
	})
	return fds
}

// dispatch services ready descriptors in slot order. It reports whether a
// hostap pull failed, which requests an immediate liveness probe.
func (m *Manager) dispatch(ready poller.ReadySet) bool {
	pullFailed := false

	m.registry.Each(func(s *Slot) {
		switch {
		case s.hostap != nil:
			if s.EventFd < 0 || !ready.Has(s.EventFd) {
				return
			}
			if !m.pullHostapEvent(s) {
				pullFailed = true
			}
		case s.driver != nil:
			m.pumpDriver(s, ready)
		}
	})

	return pullFailed
}

func (m *Manager) pullHostapEvent(s *Slot) bool {
	ev, err := s.hostap.PullEvent()
	if err != nil {
		logger.WithError(err).WithField("vap", s.Name).Warn("Failed to pull hostap event")
		return false
	}
	if ev.Opcode == "" {
		return true
	}
	if len(ev.Opcode) > MaxOpcodeLength || len(ev.Message) > MaxHostapMessageLength {
		logger.WithFields(logrus.Fields{
			"vap":         s.Name,
			"opcode_len":  len(ev.Opcode),
			"message_len": len(ev.Message),
		}).Warn("Dropping oversized hostap event")
		return true
	}

	logger.WithFields(logrus.Fields{
		"vap":    s.Name,
		"opcode": ev.Opcode,
		"len":    len(ev.Message),
	}).Trace("Hostap event")

	m.deliverer.deliver(s, ev.Opcode, ev.Message)
	return true
}

func (m *Manager) pumpDriver(s *Slot, ready poller.ReadySet) {
	var err error
	kind := PumpUnsolicited
	switch {
	case s.EventFd >= 0 && ready.Has(s.EventFd):
		err = s.driver.PumpMessages(PumpUnsolicited, guardDriverCallback(s.vendorCallback), guardNonVendorCallback(s.nonVendorCallback))
	case s.QueryFd >= 0 && ready.Has(s.QueryFd):
		kind = PumpSolicited
		err = m.pumpSolicited(s)
	default:
		return
	}
	if err != nil {
		logger.WithError(err).WithField("pump", kind).Warn("Driver message pump failed")
	}
}

func guardDriverCallback(cb DriverEventCallback) DriverEventCallback {
	if cb == nil {
		return nil
	}
	return func(ifname string, event, subevent int, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"ifname": ifname,
					"event":  event,
					"panic":  r,
				}).Error("Driver event callback panicked")
			}
		}()
		cb(ifname, event, subevent, data)
	}
}

func guardNonVendorCallback(cb NonVendorEventCallback) NonVendorEventCallback {
	if cb == nil {
		return nil
	}
	return func(ev NonVendorEvent) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"command": ev.Command,
					"panic":   r,
				}).Error("Non-vendor event callback panicked")
			}
		}()
		cb(ev)
	}
}
