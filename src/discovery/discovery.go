// Package discovery finds the access point interfaces hostapd serves, so
// the daemon can attach to them at start.
package discovery

import (
	"fmt"
	"sort"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "discovery")

// Source names where VAPs are discovered.
type Source string

const (
	SourceUCI         Source = "uci"
	SourceHostapdConf Source = "hostapd_conf"
	SourceNone        Source = "none"
)

const (
	DefaultUCIRoot         = "/etc/config"
	DefaultHostapdConfGlob = "/var/run/hostapd-*.conf"
)

// VAP is one discovered access point interface.
type VAP struct {
	Name   string `json:"name"`
	Device string `json:"device,omitempty"`
	Source Source `json:"source"`
}

// Discoverer lists VAPs.
type Discoverer interface {
	Discover() ([]VAP, error)
}

// Options selects and configures a discovery source.
type Options struct {
	Source          Source
	UCIRoot         string
	HostapdConfGlob string
}

// New returns the Discoverer for opts.Source.
func New(opts Options) (Discoverer, error) {
	switch opts.Source {
	case SourceUCI:
		root := opts.UCIRoot
		if root == "" {
			root = DefaultUCIRoot
		}
		return &UCIDiscoverer{Root: root}, nil
	case SourceHostapdConf:
		glob := opts.HostapdConfGlob
		if glob == "" {
			glob = DefaultHostapdConfGlob
		}
		return &HostapdConfDiscoverer{Glob: glob}, nil
	case SourceNone, "":
		return noneDiscoverer{}, nil
	default:
		return nil, fmt.Errorf("unknown discovery source %q", opts.Source)
	}
}

type noneDiscoverer struct{}

func (noneDiscoverer) Discover() ([]VAP, error) { return nil, nil }

// normalize drops invalid names and duplicates and sorts by name.
func normalize(vaps []VAP) []VAP {
	seen := make(map[string]bool, len(vaps))
	out := make([]VAP, 0, len(vaps))
	for _, v := range vaps {
		if err := apmux.ValidateVAPName(v.Name); err != nil {
			logger.WithError(err).WithField("source", v.Source).Warn("Ignoring discovered interface")
			continue
		}
		if seen[v.Name] {
			continue
		}
		seen[v.Name] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
