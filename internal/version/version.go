// Package version holds the build identity reported to clients.
package version

import "strconv"

// Version is the current service version. Overridden at build time with
// -ldflags "-X github.com/hdmeal/hdmeal/internal/version.Version=...".
var Version = "1.0.0"

// Build is the monotonically increasing build number used by the mobile
// app update check.
var Build = "1"

// GetCurrentVersion returns the version string, suffixed in dev mode so
// clients can tell the builds apart.
func GetCurrentVersion(mode string) string {
	if mode == "prod" {
		return Version
	}
	return Version + "-" + mode
}

// GetBuild returns the numeric build number. A malformed override counts
// as build zero.
func GetBuild() int {
	build, err := strconv.Atoi(Build)
	if err != nil {
		return 0
	}
	return build
}
