// Package version carries build metadata, stamped with -ldflags:
//
//	-X .../internal/version.Version=$(git describe --tags)
//	-X .../internal/version.GitCommit=$(git rev-parse --short HEAD)
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
