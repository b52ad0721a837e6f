// Package version holds the build-time version string, overridden via
// -ldflags at build time.
package version

// Version is set at build time via -ldflags "-X .../pkg/version.Version=...".
var Version = "dev"
