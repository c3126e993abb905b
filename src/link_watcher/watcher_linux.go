//go:build linux
// +build linux

package link_watcher

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

func (w *Watcher) subscribe() error {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("subscribe to link updates: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopChan:
				close(done)
				return
			case update, ok := <-updates:
				if !ok {
					logger.Warn("Link update subscription closed")
					return
				}
				w.handleLinkUpdate(update)
			}
		}
	}()
	return nil
}

func (w *Watcher) handleLinkUpdate(update netlink.LinkUpdate) {
	if update.Link == nil {
		return
	}
	attrs := update.Link.Attrs()
	if attrs == nil {
		return
	}
	w.handleLinkState(attrs.Name, attrs.Flags&net.FlagUp != 0)
}
