// Package link_watcher nudges apmux to probe a VAP as soon as the kernel
// reports its link going up or down, instead of waiting for the next
// periodic ping check.
package link_watcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "link_watcher")

// HealthTarget is the part of the manager the watcher drives.
type HealthTarget interface {
	IsHostapRegistered(vapName string) bool
	RequestHealthCheck()
}

// LinkEvent is a state change of a registered VAP.
type LinkEvent struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	Timestamp time.Time `json:"timestamp"`
}

// Watcher follows link state changes of registered VAPs.
type Watcher struct {
	target HealthTarget
	events chan LinkEvent

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	stateMu   sync.Mutex
	lastState map[string]bool
}

// New creates a Watcher. Events are also published on a buffered channel;
// when nobody reads it, further events are dropped.
func New(target HealthTarget) *Watcher {
	return &Watcher{
		target:    target,
		events:    make(chan LinkEvent, 64),
		lastState: make(map[string]bool),
	}
}

// Start subscribes to link updates.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("link watcher is already running")
	}

	w.stopChan = make(chan struct{})
	if err := w.subscribe(); err != nil {
		return err
	}
	w.running = true
	logger.Info("Link watcher started")
	return nil
}

// Stop ends the subscription and waits for the watcher goroutine.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	close(w.stopChan)
	w.running = false
	w.wg.Wait()
	logger.Info("Link watcher stopped")
	return nil
}

// Events returns link state changes of registered VAPs.
func (w *Watcher) Events() <-chan LinkEvent {
	return w.events
}

// handleLinkState records the state of name and requests a health check
// when a registered VAP changes state.
func (w *Watcher) handleLinkState(name string, up bool) {
	if !w.target.IsHostapRegistered(name) {
		return
	}

	w.stateMu.Lock()
	prev, seen := w.lastState[name]
	w.lastState[name] = up
	w.stateMu.Unlock()

	if seen && prev == up {
		return
	}

	logger.WithFields(logrus.Fields{
		"vap": name,
		"up":  up,
	}).Info("Link state changed, requesting health check")
	w.target.RequestHealthCheck()

	select {
	case w.events <- LinkEvent{Name: name, Up: up, Timestamp: time.Now()}:
	default:
	}
}
