// Package build provides build metadata that is stamped at link time.
package build

// These values are injected at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
