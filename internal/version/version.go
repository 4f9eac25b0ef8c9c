// Package version exposes build-time identity for the legion binary. The
// variables are stamped by the linker:
//
//	go build -ldflags "-X github.com/varenq/legion/internal/version.VersionTag=v0.3.0 \
//	  -X github.com/varenq/legion/internal/version.CommitHash=$(git rev-parse --short HEAD) \
//	  -X github.com/varenq/legion/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

var (
	// VersionTag is the release tag, or "dev" for unstamped builds.
	VersionTag = "dev"

	// CommitHash is the short git hash of the build.
	CommitHash = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Info is a point-in-time description of the running binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the binary's build identity.
func Get() Info {
	return Info{
		Version:    VersionTag,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders the one-line form shown by `legion version`.
func (i Info) String() string {
	return fmt.Sprintf("legion %s (%s, built %s)", i.Version, i.CommitHash, i.BuildTime)
}
