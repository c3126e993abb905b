package apmux

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AttachHostap registers vapName and opens its control session. Attaching
// a registered VAP returns ErrAlreadyUp, which callers treat as success.
// If the session cannot be opened yet the VAP stays registered and the
// recovery pass keeps trying; cb then receives ReconnectedOpcode once it
// connects.
func (m *Manager) AttachHostap(vapName string, cb HostapEventCallback) error {
	if err := ValidateVAPName(vapName); err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("%w: nil event callback", ErrInvalidArgument)
	}
	if m.hostapConnector == nil {
		return fmt.Errorf("%w: no hostap connector configured", ErrFailure)
	}

	m.apiMu.Lock()
	defer m.apiMu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: manager closed", ErrFailure)
	}

	if idx, err := m.registry.FindSlot(KindHostap, vapName); err == nil {
		logger.WithFields(logrus.Fields{"vap": vapName, "slot": idx}).Debug("Hostap interface already up")
		return ErrAlreadyUp
	}

	if m.cfg.Delivery == DeliveryRelay {
		if err := m.openRelayListener(); err != nil {
			return fmt.Errorf("%w: %w", ErrFailure, err)
		}
	}

	m.stopLoop()

	m.registryMu.Lock()
	idx, err := m.registry.CreateSlot(KindHostap, vapName)
	var s *Slot
	if err == nil {
		s = m.registry.Slot(idx)
		s.hostapCallback = cb
	}
	m.registryMu.Unlock()
	if err != nil {
		m.restartIfNeeded()
		return fmt.Errorf("%w: %w", ErrFailure, err)
	}

	sess, openErr := m.hostapConnector.Open(vapName)
	m.sessionMu.Lock()
	if openErr != nil {
		s.NeedsReconnect = true
	} else {
		s.hostap = sess
		if fd, err := sess.EventFd(); err == nil {
			s.EventFd = fd
		}
	}
	m.sessionMu.Unlock()

	log := logger.WithFields(logrus.Fields{
		"vap":       vapName,
		"slot":      idx,
		"connected": openErr == nil,
	})
	m.startLoop()

	if openErr != nil {
		log.WithError(openErr).Warn("Hostap connection failed, will retry")
	}
	log.Info("Hostap interface attached")
	return nil
}

// DetachHostap closes the session of vapName and releases its slot. It
// returns ErrInterfaceDown if the VAP is not registered.
func (m *Manager) DetachHostap(vapName string) error {
	if err := ValidateVAPName(vapName); err != nil {
		return err
	}

	m.apiMu.Lock()
	defer m.apiMu.Unlock()

	idx, err := m.registry.FindSlot(KindHostap, vapName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInterfaceDown, vapName)
	}

	m.stopLoop()
	m.registryMu.Lock()
	s := m.registry.FreeSlot(idx)
	m.registryMu.Unlock()
	closeErr := m.closeSlotSession(s)
	m.restartIfNeeded()

	logger.WithFields(logrus.Fields{"vap": vapName, "slot": idx}).Info("Hostap interface detached")

	if closeErr != nil {
		return fmt.Errorf("%w: close session: %w", ErrFailure, closeErr)
	}
	return nil
}

// SendHostapCommand sends header and fields to the hostapd instance of
// vapName and copies its reply into reply. A VAP that is reconnecting fails
// with ErrFailure. It may be called from an event callback.
func (m *Manager) SendHostapCommand(vapName, header string, fields []CommandField, reply []byte) (int, error) {
	if err := ValidateVAPName(vapName); err != nil {
		return 0, err
	}
	if header == "" {
		return 0, fmt.Errorf("%w: empty command header", ErrInvalidArgument)
	}
	if reply == nil {
		return 0, fmt.Errorf("%w: nil reply buffer", ErrInvalidArgument)
	}

	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	idx, err := m.registry.FindSlot(KindHostap, vapName)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInterfaceDown, vapName)
	}

	// Held across the call so the health pass cannot close the session
	// underneath the command.
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	s := m.registry.Slot(idx)
	if s.NeedsReconnect {
		return 0, fmt.Errorf("%w: %s is reconnecting", ErrFailure, vapName)
	}
	if s.hostap == nil {
		return 0, fmt.Errorf("%w: %s has no session", ErrFailure, vapName)
	}

	n, err := s.hostap.SendCommand(header, fields, reply)
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{"vap": vapName, "header": header}).Warn("Hostap command failed")
		return 0, fmt.Errorf("%w: %s: %w", ErrFailure, header, err)
	}

	logger.WithFields(logrus.Fields{"vap": vapName, "header": header, "reply_len": n}).Debug("Hostap command sent")
	return n, nil
}

// IsAlreadyUp reports whether err is the idempotent attach signal.
func IsAlreadyUp(err error) bool {
	return errors.Is(err, ErrAlreadyUp)
}
