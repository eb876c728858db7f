// Package version holds build information for the portal-listen binary.
//
// Set at link time:
//
//	go build -ldflags "-X github.com/bizportal/portal-realtime/internal/version.Version=1.2.0 \
//	                   -X github.com/bizportal/portal-realtime/internal/version.Commit=$(git rev-parse --short HEAD)" \
//	         ./cmd/portal-listen
package version

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

// String returns "version (commit)". When no commit was linked in it
// falls back to the VCS revision recorded by the go tool.
func String() string {
	commit := Commit
	if commit == "" {
		commit = vcsRevision()
	}
	if commit == "" {
		return Version
	}
	return Version + " (" + commit + ")"
}

// UserAgent is sent on API requests and the websocket handshake.
func UserAgent() string {
	return "portal-realtime/" + Version
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 7 {
				return s.Value[:7]
			}
			return s.Value
		}
	}
	return ""
}
