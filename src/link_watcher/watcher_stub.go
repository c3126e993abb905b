//go:build !linux
// +build !linux

package link_watcher

// Link notifications need netlink; elsewhere the periodic ping check is
// the only detection path.
func (w *Watcher) subscribe() error {
	logger.Warn("Link watcher unavailable on this platform")
	return nil
}
