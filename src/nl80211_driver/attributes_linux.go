//go:build linux
// +build linux

package nl80211_driver

import (
	"fmt"
	"net"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// IE element ID carrying the SSID.
const ieSSID = 0

// target identifies the object a vendor command addresses.
type target struct {
	idType  apmux.IDType
	ifindex uint32
	wiphy   uint32
	wdev    uint64
}

func (t target) encode(ae *netlink.AttributeEncoder) {
	switch t.idType {
	case apmux.IDTypePhy:
		ae.Uint32(unix.NL80211_ATTR_WIPHY, t.wiphy)
	case apmux.IDTypeWdev:
		ae.Uint64(unix.NL80211_ATTR_WDEV, t.wdev)
	default:
		ae.Uint32(unix.NL80211_ATTR_IFINDEX, t.ifindex)
	}
}

// encodeVendorRequest builds the attributes of an NL80211_CMD_VENDOR
// request.
func encodeVendorRequest(oui uint32, t target, subcmd uint32, payload []byte) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	t.encode(ae)
	ae.Uint32(unix.NL80211_ATTR_VENDOR_ID, oui)
	ae.Uint32(unix.NL80211_ATTR_VENDOR_SUBCMD, subcmd)
	if len(payload) > 0 {
		ae.Bytes(unix.NL80211_ATTR_VENDOR_DATA, payload)
	}
	return ae.Encode()
}

// vendorEvent is a decoded NL80211_CMD_VENDOR message.
type vendorEvent struct {
	ifindex  int
	ifname   string
	vendorID uint32
	subcmd   uint32
	data     []byte
}

func parseVendorEvent(b []byte) (vendorEvent, error) {
	var ev vendorEvent
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return ev, err
	}
	for ad.Next() {
		switch ad.Type() {
		case unix.NL80211_ATTR_IFINDEX:
			ev.ifindex = int(ad.Uint32())
		case unix.NL80211_ATTR_IFNAME:
			ev.ifname = ad.String()
		case unix.NL80211_ATTR_VENDOR_ID:
			ev.vendorID = ad.Uint32()
		case unix.NL80211_ATTR_VENDOR_SUBCMD:
			ev.subcmd = ad.Uint32()
		case unix.NL80211_ATTR_VENDOR_DATA:
			ev.data = ad.Bytes()
		}
	}
	return ev, ad.Err()
}

// interfaceInfo holds the identifiers nl80211 reports for a netdev.
type interfaceInfo struct {
	ifindex uint32
	wiphy   uint32
	wdev    uint64
}

func parseInterfaceInfo(msgs []genetlink.Message) (interfaceInfo, error) {
	var info interfaceInfo
	for _, m := range msgs {
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return info, err
		}
		for ad.Next() {
			switch ad.Type() {
			case unix.NL80211_ATTR_IFINDEX:
				info.ifindex = ad.Uint32()
			case unix.NL80211_ATTR_WIPHY:
				info.wiphy = ad.Uint32()
			case unix.NL80211_ATTR_WDEV:
				info.wdev = ad.Uint64()
			}
		}
		if err := ad.Err(); err != nil {
			return info, err
		}
	}
	if info.ifindex == 0 {
		return info, fmt.Errorf("no interface attributes in reply")
	}
	return info, nil
}

// encodeScanTrigger builds the attributes of NL80211_CMD_TRIGGER_SCAN. An
// empty SSID list requests a wildcard scan.
func encodeScanTrigger(ifindex uint32, p apmux.ScanParams) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.NL80211_ATTR_IFINDEX, ifindex)

	ssids := p.SSIDs
	if len(ssids) == 0 {
		ssids = []string{""}
	}
	ae.Nested(unix.NL80211_ATTR_SCAN_SSIDS, func(nae *netlink.AttributeEncoder) error {
		for i, ssid := range ssids {
			nae.Bytes(uint16(i+1), []byte(ssid))
		}
		return nil
	})

	if len(p.Frequencies) > 0 {
		ae.Nested(unix.NL80211_ATTR_SCAN_FREQUENCIES, func(nae *netlink.AttributeEncoder) error {
			for i, freq := range p.Frequencies {
				nae.Uint32(uint16(i+1), freq)
			}
			return nil
		})
	}
	if p.Flush {
		ae.Uint32(unix.NL80211_ATTR_SCAN_FLAGS, unix.NL80211_SCAN_FLAG_FLUSH)
	}
	return ae.Encode()
}

// parseScanResult decodes the BSS carried by one NL80211_CMD_NEW_SCAN_RESULTS
// dump message. ok is false when the message holds no BSS.
func parseScanResult(b []byte) (res apmux.ScanResult, ok bool, err error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return res, false, err
	}
	for ad.Next() {
		if ad.Type() != unix.NL80211_ATTR_BSS {
			continue
		}
		ok = true
		ad.Nested(func(nad *netlink.AttributeDecoder) error {
			for nad.Next() {
				switch nad.Type() {
				case unix.NL80211_BSS_BSSID:
					res.BSSID = net.HardwareAddr(nad.Bytes())
				case unix.NL80211_BSS_FREQUENCY:
					res.Frequency = nad.Uint32()
				case unix.NL80211_BSS_SIGNAL_MBM:
					res.SignalMBm = int32(nad.Uint32())
				case unix.NL80211_BSS_INFORMATION_ELEMENTS:
					res.InfoElement = nad.Bytes()
					res.SSID = ssidFromIEs(res.InfoElement)
				}
			}
			return nil
		})
	}
	return res, ok, ad.Err()
}

// ssidFromIEs returns the SSID element of an information element blob.
func ssidFromIEs(b []byte) string {
	for len(b) >= 2 {
		id, l := b[0], int(b[1])
		if len(b) < 2+l {
			return ""
		}
		if id == ieSSID {
			return string(b[2 : 2+l])
		}
		b = b[2+l:]
	}
	return ""
}
