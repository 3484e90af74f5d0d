// Package version carries build metadata stamped via -ldflags.
package version

import "runtime"

var (
	// Version is the semantic version.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"

	// GoVersion is the toolchain that produced the binary.
	GoVersion = runtime.Version()
)
