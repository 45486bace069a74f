// Package version provides version information for bltool.
package version

// Version is set at build time via ldflags
var Version = "0.3.0"

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}
