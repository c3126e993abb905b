package discovery

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// HostapdConfDiscoverer reads the interface= and bss= lines of the hostapd
// configuration files matching Glob.
type HostapdConfDiscoverer struct {
	Glob string
}

func (d *HostapdConfDiscoverer) Discover() ([]VAP, error) {
	paths, err := filepath.Glob(d.Glob)
	if err != nil {
		return nil, fmt.Errorf("bad glob %q: %w", d.Glob, err)
	}

	var vaps []VAP
	for _, path := range paths {
		found, err := parseHostapdConf(path)
		if err != nil {
			logger.WithError(err).WithField("path", path).Warn("Skipping unreadable hostapd configuration")
			continue
		}
		vaps = append(vaps, found...)
	}
	return normalize(vaps), nil
}

func parseHostapdConf(path string) ([]VAP, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		AllowShadows:            true,
		AllowBooleanKeys:        true,
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, path)
	if err != nil {
		return nil, err
	}

	sec := cfg.Section(ini.DefaultSection)
	device := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "hostapd-"), ".conf")

	var vaps []VAP
	if sec.HasKey("interface") {
		vaps = append(vaps, VAP{Name: sec.Key("interface").String(), Device: device, Source: SourceHostapdConf})
	}
	if sec.HasKey("bss") {
		for _, name := range sec.Key("bss").ValueWithShadows() {
			vaps = append(vaps, VAP{Name: strings.TrimSpace(name), Device: device, Source: SourceHostapdConf})
		}
	}
	return vaps, nil
}
