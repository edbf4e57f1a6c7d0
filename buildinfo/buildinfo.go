// Package buildinfo exposes the build time and commit of the binary, set at
// link time:
//
//	go build -ldflags "-X github.com/nomis52/minion/buildinfo.gitCommit=$(git rev-parse HEAD)"
package buildinfo

// Properties describes the running build.
type Properties struct {
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

var (
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Get returns the build properties of the binary.
func Get() Properties {
	return Properties{
		BuildTime: buildTime,
		GitCommit: gitCommit,
	}
}
