// Package apmux multiplexes hostapd control sessions and the wireless driver
// session onto one event loop.
//
// All registry mutation happens with the loop stopped: every attach and
// detach stops the loop, changes the slot table and restarts the loop while
// any slot remains.
//
// Callbacks run on the loop goroutine, or on the relay receiver with relay
// delivery. They may send commands, run driver queries and read Status.
// They must not attach, detach or close: those wait for the loop to stop,
// and the loop cannot stop while it is inside the callback.
package apmux

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/local_transport"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/poller"
	"github.com/sirupsen/logrus"
)

// Config holds the tunables of a Manager.
type Config struct {
	MaxVAPs               int
	PollTimeout           time.Duration
	PingCheckInterval     time.Duration
	RecoveryRetryInterval time.Duration
	QueryTimeout          time.Duration
	SettleDelay           time.Duration
	NotifyTimeout         time.Duration
	Delivery              DeliveryMode
	SocketDir             string
	// PID suffixes the per-process socket names. Zero means os.Getpid().
	PID int
}

// DefaultConfig returns the stock timing and a direct delivery mode.
func DefaultConfig() Config {
	return Config{
		MaxVAPs:               DefaultMaxVAPs,
		PollTimeout:           DefaultPollTimeout,
		PingCheckInterval:     DefaultPingCheckInterval,
		RecoveryRetryInterval: DefaultRecoveryRetryInterval,
		QueryTimeout:          DefaultQueryTimeout,
		SettleDelay:           DefaultSettleDelay,
		NotifyTimeout:         DefaultNotifyTimeout,
		Delivery:              DeliveryDirect,
		SocketDir:             os.TempDir(),
	}
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if c.MaxVAPs <= 0 {
		return fmt.Errorf("%w: max vaps must be positive", ErrInvalidArgument)
	}
	for name, d := range map[string]time.Duration{
		"poll timeout":            c.PollTimeout,
		"ping check interval":     c.PingCheckInterval,
		"recovery retry interval": c.RecoveryRetryInterval,
		"query timeout":           c.QueryTimeout,
		"notify timeout":          c.NotifyTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidArgument, name)
		}
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: settle delay must not be negative", ErrInvalidArgument)
	}
	switch c.Delivery {
	case DeliveryDirect, DeliveryRelay:
	default:
		return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidArgument, c.Delivery)
	}
	if c.SocketDir == "" {
		return fmt.Errorf("%w: socket dir is empty", ErrInvalidArgument)
	}
	return nil
}

// Manager owns the interface registry and the goroutines serving it.
type Manager struct {
	cfg             Config
	hostapConnector HostapConnector
	driverConnector DriverConnector
	poller          poller.Poller
	registry        *Registry

	// apiMu serializes attach, detach and close. registryMu guards the slot
	// table and the query socket; it is write-locked only while the loop is
	// stopped, and commands and queries read under it. sessionMu guards
	// session handles and fds, which the loop's health passes change while
	// it runs. Lock order is registryMu, then sessionMu.
	apiMu      sync.Mutex
	registryMu sync.RWMutex
	sessionMu  sync.Mutex
	// pumpMu serializes reads of the driver's query socket.
	pumpMu sync.Mutex

	loop     *routine
	receiver *routine

	loopRunning atomic.Bool
	// servicing is set while the loop dispatches events or runs its health
	// passes rather than waiting for readiness.
	servicing atomic.Bool

	deliverer     eventDeliverer
	relayPath     string
	relayListener *local_transport.Listener

	query *correlator

	nudge chan struct{}

	// Loop-owned timer state.
	lastPingCheck time.Time
	lastRecovery  time.Time
	now           func() time.Time

	closed bool
}

// NewManager creates a Manager. hostap or driver may be nil when the
// corresponding interfaces are never attached.
func NewManager(cfg Config, hostap HostapConnector, driver DriverConnector) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}

	relayPath, err := local_transport.SocketName(cfg.SocketDir, local_transport.EventHandlerPrefix, cfg.PID)
	if err != nil {
		return nil, err
	}
	commandEndedPath, err := local_transport.SocketName(cfg.SocketDir, local_transport.CommandEndedPrefix, cfg.PID)
	if err != nil {
		return nil, err
	}

	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	m := &Manager{
		cfg:             cfg,
		hostapConnector: hostap,
		driverConnector: driver,
		poller:          p,
		// One extra entry for the driver slot.
		registry:  NewRegistry(cfg.MaxVAPs + 1),
		relayPath: relayPath,
		query:     newCorrelator(commandEndedPath),
		nudge:     make(chan struct{}, 1),
		now:       time.Now,
	}

	if cfg.Delivery == DeliveryRelay {
		m.deliverer = &relayDeliverer{path: relayPath, timeout: cfg.NotifyTimeout}
	} else {
		m.deliverer = directDeliverer{}
	}

	logger.WithFields(logrus.Fields{
		"capacity": m.registry.Capacity(),
		"delivery": cfg.Delivery,
		"pid":      cfg.PID,
	}).Info("Interface multiplexer created")

	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// RequestHealthCheck makes the next loop cycle run the liveness probe
// regardless of its timer. It never blocks.
func (m *Manager) RequestHealthCheck() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// IsHostapRegistered reports whether vapName has a slot.
func (m *Manager) IsHostapRegistered(vapName string) bool {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	_, err := m.registry.FindSlot(KindHostap, vapName)
	return err == nil
}

// Status returns a snapshot of the registry and the loop.
func (m *Manager) Status() Status {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	st := Status{
		LoopRunning:   m.loopRunning.Load(),
		Delivery:      m.cfg.Delivery,
		Capacity:      m.registry.Capacity(),
		QueryInFlight: m.query.busy(),
		Slots:         []SlotStatus{},
	}
	m.registry.Each(func(s *Slot) {
		st.Slots = append(st.Slots, SlotStatus{
			Index:          s.Index,
			Kind:           s.Kind,
			Name:           s.Name,
			Connected:      s.Connected(),
			NeedsReconnect: s.NeedsReconnect,
		})
	})
	return st
}

// Close detaches every interface and stops the loop. The Manager cannot be
// used afterwards.
func (m *Manager) Close() error {
	m.apiMu.Lock()
	defer m.apiMu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	m.stopLoop()

	var freed []*Slot
	m.registryMu.Lock()
	m.registry.Each(func(s *Slot) {
		freed = append(freed, m.registry.FreeSlot(s.Index))
	})
	m.query.closeListener()
	m.registryMu.Unlock()

	var firstErr error
	for _, s := range freed {
		if err := m.closeSlotSession(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.closeRelayListener()

	if err := m.poller.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	logger.Info("Interface multiplexer closed")
	return firstErr
}

func (m *Manager) closeSlotSession(s *Slot) error {
	if s == nil {
		return nil
	}
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	var err error
	switch {
	case s.hostap != nil:
		err = s.hostap.Close()
		s.hostap = nil
	case s.driver != nil:
		err = s.driver.Close()
		s.driver = nil
	}
	s.invalidateFds()
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"kind": s.Kind,
			"name": s.Name,
		}).Warn("Failed to close session")
	}
	return err
}
