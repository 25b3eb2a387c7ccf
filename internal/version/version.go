// Package version holds build metadata injected at link time:
//
//	go build -ldflags "-X codechat/internal/version.Version=v1.2.0 \
//	  -X codechat/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X codechat/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	commit := Commit
	if commit == "none" {
		if rev, ok := vcsRevision(); ok {
			commit = rev
		}
	}
	return fmt.Sprintf("codechat %s (commit: %s, built: %s)", Version, commit, Date)
}

func vcsRevision() (string, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 7 {
				return s.Value[:7], true
			}
			return s.Value, true
		}
	}
	return "", false
}
