package apmux

import (
	"github.com/sirupsen/logrus"
)

// runHealthPasses runs the liveness probe when its interval elapsed or an
// immediate check was requested, then the recovery pass on its own
// interval.
//
// The immediate check after a failed pull is a heuristic: a pull can fail
// for transient reasons and only the probe decides whether the peer is gone.
func (m *Manager) runHealthPasses(immediate bool) {
	now := m.now()

	if immediate || now.Sub(m.lastPingCheck) >= m.cfg.PingCheckInterval {
		m.lastPingCheck = now
		m.pingCheck()
	}

	if now.Sub(m.lastRecovery) >= m.cfg.RecoveryRetryInterval {
		m.lastRecovery = now
		m.recoverIfNeeded()
	}
}

// pingCheck probes every connected hostap slot and tears down the sessions
// whose peer is gone.
func (m *Manager) pingCheck() {
	m.registry.Each(func(s *Slot) {
		if s.Kind != KindHostap || s.hostap == nil || s.EventFd <= 0 {
			return
		}

		alive, err := s.hostap.IsAlive()
		if err != nil {
			logger.WithError(err).WithField("vap", s.Name).Debug("Liveness probe failed, retrying next cycle")
			return
		}
		if alive {
			return
		}

		logger.WithField("vap", s.Name).Warn("Hostap connection is dead, scheduling reconnect")

		m.sessionMu.Lock()
		if err := s.hostap.Close(); err != nil {
			logger.WithError(err).WithField("vap", s.Name).Warn("Failed to close dead hostap session")
		}
		s.hostap = nil
		s.NeedsReconnect = true
		s.invalidateFds()
		m.sessionMu.Unlock()
	})
}

// recoverIfNeeded tries to reopen every slot flagged for reconnection. A
// failed attempt leaves the flag set for the next pass.
func (m *Manager) recoverIfNeeded() {
	m.registry.Each(func(s *Slot) {
		if s.Kind != KindHostap || !s.NeedsReconnect {
			return
		}

		sess, err := m.hostapConnector.Open(s.Name)
		if err != nil {
			logger.WithError(err).WithField("vap", s.Name).Debug("Reconnect attempt failed")
			return
		}

		m.sessionMu.Lock()
		s.hostap = sess
		s.NeedsReconnect = false
		if fd, err := sess.EventFd(); err == nil {
			s.EventFd = fd
		}
		m.sessionMu.Unlock()

		logger.WithFields(logrus.Fields{
			"vap":  s.Name,
			"slot": s.Index,
		}).Info("Hostap connection re-established")

		m.deliverer.deliver(s, ReconnectedOpcode, nil)
	})
}
