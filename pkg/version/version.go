// Package version carries the stamps the build injects via
// -ldflags "-X github.com/presscal/presscal/pkg/version.Version=...".
package version

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitCommit identifies the commit the binary was built at.
	GitCommit = "unknown"
)
