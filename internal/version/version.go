// Package version holds build-stamped identifiers, overridden at link
// time via -ldflags "-X".
package version

var (
	// Version is the released semantic version, or "dev" for local builds.
	Version = "dev"
	// Commit is the VCS commit SHA the binary was built from.
	Commit = "unknown"
)
