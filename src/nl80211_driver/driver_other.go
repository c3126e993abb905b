//go:build !linux
// +build !linux

package nl80211_driver

import "github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"

// Open always fails outside Linux.
func (c *Connector) Open() (apmux.DriverSession, error) {
	logger.Warn("Driver session requested on a platform without nl80211")
	return nil, ErrNotSupported
}
