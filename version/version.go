// Package version carries build metadata stamped at link time:
//
//	go build -ldflags "-X github.com/Paraito/registre-extractor-sub002/version.GitRelease=v1.2.0 ..."
package version

import "runtime"

var (
	// GitRelease is the release tag.
	GitRelease = "dev"

	// GitCommit is the commit hash the binary was built from.
	GitCommit = "unknown"

	// GitCommitDate is the commit date.
	GitCommitDate = "unknown"

	// GoInfo is the toolchain used for the build.
	GoInfo = runtime.Version()
)
