package discovery

import (
	"fmt"

	"github.com/digineo/go-uci"
)

// UCIDiscoverer reads the OpenWrt wireless configuration and reports every
// enabled wifi-iface in AP mode that has an explicit ifname.
type UCIDiscoverer struct {
	Root string
}

func (d *UCIDiscoverer) Discover() ([]VAP, error) {
	tree := uci.NewTree(d.Root)
	if err := tree.LoadConfig("wireless", true); err != nil {
		return nil, fmt.Errorf("load wireless config from %s: %w", d.Root, err)
	}

	sections, ok := tree.GetSections("wireless", "wifi-iface")
	if !ok {
		return nil, nil
	}

	var vaps []VAP
	for _, section := range sections {
		if mode, _ := tree.GetLast("wireless", section, "mode"); mode != "ap" {
			continue
		}
		if disabled, _ := tree.GetLast("wireless", section, "disabled"); disabled == "1" {
			continue
		}
		ifname, ok := tree.GetLast("wireless", section, "ifname")
		if !ok || ifname == "" {
			logger.WithField("section", section).Debug("wifi-iface has no ifname, skipping")
			continue
		}
		device, _ := tree.GetLast("wireless", section, "device")
		vaps = append(vaps, VAP{Name: ifname, Device: device, Source: SourceUCI})
	}
	return normalize(vaps), nil
}
