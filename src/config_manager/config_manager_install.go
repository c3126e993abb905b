package config_manager

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PackageName is the opkg package the daemon ships in.
const PackageName = "apmux"

// opkgListInstalled runs "opkg list-installed". Replaced in tests.
var opkgListInstalled = func() ([]byte, error) {
	if _, err := exec.LookPath("opkg"); err != nil {
		return nil, exec.ErrNotFound
	}
	return exec.Command("opkg", "list-installed").CombinedOutput()
}

// InstalledVersion returns the version opkg reports for pkg, or "unknown"
// where opkg is not available. opkg lock contention is retried with
// backoff.
func InstalledVersion(pkg string) (string, error) {
	const maxAttempts = 5
	delay := 100 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		output, err := opkgListInstalled()
		if errors.Is(err, exec.ErrNotFound) {
			return "unknown", nil
		}
		if err != nil {
			if strings.Contains(string(output), "Could not lock") {
				logger.WithFields(logrus.Fields{
					"attempt": attempt + 1,
					"delay":   delay,
				}).Debug("opkg is locked, retrying")
				time.Sleep(delay)
				delay *= 2
				continue
			}
			return "", fmt.Errorf("failed to list installed packages: %w", err)
		}
		return parseInstalledVersion(string(output), pkg)
	}

	return "", fmt.Errorf("failed to get installed version after %d attempts", maxAttempts)
}

// parseInstalledVersion finds "<pkg> - <version>" in opkg output.
func parseInstalledVersion(output, pkg string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), " - ", 2)
		if len(parts) == 2 && parts[0] == pkg {
			return strings.TrimSpace(parts[1]), nil
		}
	}
	return "", fmt.Errorf("package %s not found in opkg output", pkg)
}
