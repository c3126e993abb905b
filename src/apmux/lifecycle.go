package apmux

import (
	"fmt"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/local_transport"
)

// routine is a running background goroutine. A nil *routine means not
// running.
type routine struct {
	stop chan struct{}
	done chan struct{}
}

func spawn(fn func(stop <-chan struct{})) *routine {
	r := &routine{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		fn(r.stop)
	}()
	return r
}

// halt signals the goroutine and waits for it to return.
func (r *routine) halt() {
	close(r.stop)
	<-r.done
}

// startLoop starts the event loop, and the relay receiver when relay
// delivery is active. It is a no-op if the loop is running. Callers hold
// apiMu.
func (m *Manager) startLoop() {
	if m.loop != nil {
		return
	}

	now := m.now()
	m.lastPingCheck = now
	m.lastRecovery = now

	if m.relayListener != nil && m.receiver == nil {
		ln := m.relayListener
		m.receiver = spawn(func(stop <-chan struct{}) {
			ln.Serve(stop, m.cfg.PollTimeout, local_transport.RecordSize, m.handleRelayRecord)
		})
	}
	m.loop = spawn(m.run)
	m.loopRunning.Store(true)

	logger.Debug("Event loop started")
	m.settle()
}

// stopLoop stops the event loop and the relay receiver and waits for both
// to return. It is a no-op if nothing is running. Callers hold apiMu.
func (m *Manager) stopLoop() {
	if m.loop == nil && m.receiver == nil {
		return
	}

	if m.loop != nil {
		m.loop.halt()
		m.loop = nil
	}
	if m.receiver != nil {
		m.receiver.halt()
		m.receiver = nil
	}
	m.loopRunning.Store(false)

	logger.Debug("Event loop stopped")
	m.settle()
}

func (m *Manager) settle() {
	if m.cfg.SettleDelay > 0 {
		time.Sleep(m.cfg.SettleDelay)
	}
}

// restartIfNeeded restarts the loop while any slot is registered, including
// slots still waiting to reconnect.
func (m *Manager) restartIfNeeded() {
	if m.registry.Len() > 0 {
		m.startLoop()
		return
	}
	m.closeRelayListener()
}

func (m *Manager) openRelayListener() error {
	if m.relayListener != nil {
		return nil
	}
	ln, err := local_transport.Listen(m.relayPath)
	if err != nil {
		return fmt.Errorf("event relay socket: %w", err)
	}
	m.relayListener = ln
	return nil
}

func (m *Manager) closeRelayListener() {
	if m.relayListener == nil {
		return
	}
	if err := m.relayListener.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close event relay socket")
	}
	m.relayListener = nil
}
