// Package nl80211_driver is the driver session used by apmux: vendor
// commands, vendor events and scans over the nl80211 generic netlink family.
package nl80211_driver

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// DefaultVendorOUI identifies the vendor command namespace of the wireless
// driver.
const DefaultVendorOUI uint32 = 0xAC9A96

var (
	ErrNotSupported       = errors.New("nl80211 is only available on Linux")
	ErrUnsupportedCommand = errors.New("only the nl80211 vendor command is supported")
	ErrFamilyNotFound     = errors.New("nl80211 family unavailable")
)

var logger = logrus.WithField("module", "nl80211_driver")

// Connector opens driver sessions.
type Connector struct {
	VendorOUI uint32
}

// NewConnector creates a Connector for the given vendor OUI. Zero selects
// DefaultVendorOUI.
func NewConnector(oui uint32) *Connector {
	if oui == 0 {
		oui = DefaultVendorOUI
	}
	return &Connector{VendorOUI: oui}
}
