// Package version reports build information for the FleetHub binaries.
// Values are injected at build time with
// -ldflags "-X github.com/HerbHall/fleethub/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the --version line.
func Info() string {
	return fmt.Sprintf("FleetHub %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version, e.g. "0.1.0" or "dev".
func Short() string {
	return Version
}

// UserAgent identifies a FleetHub component in outbound requests,
// e.g. "fleethub-devicesim/0.1.0".
func UserAgent(component string) string {
	return "fleethub-" + component + "/" + Version
}

// Map returns build information for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}
