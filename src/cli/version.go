package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/config_manager"
	"gopkg.in/ini.v1"
)

// Build information. These variables are set via -ldflags at build time.
var (
	// Version is the semantic version (e.g., "v0.1.0")
	Version = "v0.0.0"

	// GitCommit is the git commit hash
	GitCommit = "unknown"

	// BuildTime is the build timestamp
	BuildTime = "unknown"

	// GoVersion is the Go version used to build
	GoVersion = runtime.Version()
)

// openWrtReleasePath is read for the firmware description.
var openWrtReleasePath = "/etc/openwrt_release"

// getOpenWrtVersion reads DISTRIB_DESCRIPTION from /etc/openwrt_release.
func getOpenWrtVersion() string {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, openWrtReleasePath)
	if err != nil {
		return "unknown"
	}
	value := strings.Trim(cfg.Section(ini.DefaultSection).Key("DISTRIB_DESCRIPTION").String(), "'\"")
	if value == "" {
		return "unknown"
	}
	return value
}

func getPackageVersion() string {
	v, err := config_manager.InstalledVersion(config_manager.PackageName)
	if err != nil {
		cliLogger.WithError(err).Debug("Could not read installed package version")
		return "unknown"
	}
	return v
}

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("apmux %s", Version)
}

// GetFullVersionInfo returns detailed version information as a map
func GetFullVersionInfo() map[string]string {
	return map[string]string{
		"version":         Version,
		"commit":          GitCommit,
		"build_time":      BuildTime,
		"go_version":      GoVersion,
		"openwrt_version": getOpenWrtVersion(),
		"package_version": getPackageVersion(),
	}
}

// GetFormattedVersionInfo returns a formatted multi-line version string
func GetFormattedVersionInfo() string {
	return fmt.Sprintf(`apmux Version
version: %s
commit: %s
build_time: %s
go_version: %s
openwrt_version: %s`,
		Version, GitCommit, BuildTime, GoVersion, getOpenWrtVersion())
}
