package apmux

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// AttachDriver opens the singleton driver session and creates the socket
// query replies are forwarded to. vendorCb and nonVendorCb may be nil.
// Attaching twice is a no-op.
func (m *Manager) AttachDriver(vendorCb DriverEventCallback, nonVendorCb NonVendorEventCallback) error {
	if m.driverConnector == nil {
		return fmt.Errorf("%w: no driver connector configured", ErrFailure)
	}

	m.apiMu.Lock()
	defer m.apiMu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: manager closed", ErrFailure)
	}

	if idx, err := m.registry.FindSlot(KindDriver, DriverName); err == nil {
		logger.WithField("slot", idx).Debug("Driver interface already up")
		return nil
	}

	m.stopLoop()

	m.registryMu.Lock()
	idx, err := m.createDriverSlot()
	m.registryMu.Unlock()
	if err != nil {
		m.restartIfNeeded()
		return fmt.Errorf("%w: %w", ErrFailure, err)
	}

	sess, err := m.driverConnector.Open()
	if err != nil {
		m.registryMu.Lock()
		m.registry.FreeSlot(idx)
		m.query.closeListener()
		m.registryMu.Unlock()
		m.restartIfNeeded()
		return fmt.Errorf("%w: open driver session: %w", ErrFailure, err)
	}

	eventFd, queryFd, fdErr := sess.Fds()
	if fdErr != nil {
		eventFd, queryFd = -1, -1
	}

	m.registryMu.Lock()
	s := m.registry.Slot(idx)
	s.vendorCallback = vendorCb
	s.nonVendorCallback = nonVendorCb
	s.queryCallback = m.forwardQueryReply
	m.sessionMu.Lock()
	s.driver = sess
	s.EventFd = eventFd
	s.QueryFd = queryFd
	m.sessionMu.Unlock()
	m.registryMu.Unlock()

	log := logger.WithFields(logrus.Fields{
		"slot":     idx,
		"event_fd": eventFd,
		"query_fd": queryFd,
	})
	m.startLoop()

	log.Info("Driver interface attached")
	return nil
}

// createDriverSlot opens the query socket and registers the driver slot.
// Callers hold registryMu for writing with the loop stopped.
func (m *Manager) createDriverSlot() (int, error) {
	if err := m.query.openListener(); err != nil {
		return -1, err
	}
	idx, err := m.registry.CreateSlot(KindDriver, DriverName)
	if err != nil {
		m.query.closeListener()
		return -1, err
	}
	return idx, nil
}

// DetachDriver closes the driver session. It returns ErrInterfaceDown if
// no driver is attached.
func (m *Manager) DetachDriver() error {
	m.apiMu.Lock()
	defer m.apiMu.Unlock()

	// A query waiting for its reply fails now instead of at its timeout.
	m.registryMu.Lock()
	m.query.closeListener()
	m.registryMu.Unlock()

	idx, err := m.registry.FindSlot(KindDriver, DriverName)
	if err != nil {
		return fmt.Errorf("%w: driver", ErrInterfaceDown)
	}

	m.stopLoop()
	m.registryMu.Lock()
	s := m.registry.FreeSlot(idx)
	m.registryMu.Unlock()
	closeErr := m.closeSlotSession(s)
	m.restartIfNeeded()

	logger.WithField("slot", idx).Info("Driver interface detached")

	if closeErr != nil {
		return fmt.Errorf("%w: close driver session: %w", ErrFailure, closeErr)
	}
	return nil
}

// DriverCommandSend sends a vendor command without waiting for a reply.
func (m *Manager) DriverCommandSend(cmd VendorCommand) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	return m.withDriver(func(s *Slot) error {
		if err := s.driver.SendVendorCommand(PumpUnsolicited, cmd); err != nil {
			return fmt.Errorf("%w: send vendor command: %w", ErrFailure, err)
		}
		return nil
	})
}

// DriverScanTrigger starts a scan on ifname.
func (m *Manager) DriverScanTrigger(ifname string, params ScanParams) error {
	if err := ValidateVAPName(ifname); err != nil {
		return err
	}
	return m.withDriver(func(s *Slot) error {
		if err := s.driver.ScanTrigger(ifname, params); err != nil {
			return fmt.Errorf("%w: scan trigger: %w", ErrFailure, err)
		}
		return nil
	})
}

// DriverScanDump passes the cached scan results of ifname to cb. cb runs
// after the dump completes, outside the Manager's locks.
func (m *Manager) DriverScanDump(ifname string, cb ScanResultCallback) error {
	if err := ValidateVAPName(ifname); err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("%w: nil scan callback", ErrInvalidArgument)
	}

	var results []ScanResult
	err := m.withDriver(func(s *Slot) error {
		collect := func(res ScanResult) { results = append(results, res) }
		if err := s.driver.ScanDump(ifname, collect); err != nil {
			return fmt.Errorf("%w: scan dump: %w", ErrFailure, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, res := range results {
		cb(res)
	}
	return nil
}

// withDriver runs fn with the driver slot held in the registry. The session
// cannot be closed while fn runs because detach needs the write lock first.
func (m *Manager) withDriver(fn func(s *Slot) error) error {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	s, err := m.driverSlot()
	if err != nil {
		return err
	}
	return fn(s)
}

// pumpSolicited reads pending query replies and forwards them to the query
// socket.
func (m *Manager) pumpSolicited(s *Slot) error {
	m.pumpMu.Lock()
	defer m.pumpMu.Unlock()
	return s.driver.PumpMessages(PumpSolicited, guardDriverCallback(s.queryCallback), nil)
}

// driverSlot returns the connected driver slot. Callers hold registryMu.
func (m *Manager) driverSlot() (*Slot, error) {
	idx, err := m.registry.FindSlot(KindDriver, DriverName)
	if err != nil {
		return nil, fmt.Errorf("%w: driver", ErrInterfaceDown)
	}
	s := m.registry.Slot(idx)
	if s.driver == nil {
		return nil, fmt.Errorf("%w: driver session is closed", ErrFailure)
	}
	return s, nil
}
