// Package version identifies the running storefront build. Release images
// stamp the variables below with -ldflags; binaries built with plain
// `go build` or `go install` fall back to the VCS data the toolchain embeds.
package version

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

const unknown = "unknown"

// Set with -ldflags "-X storefront/internal/version.Version=v1.2.3" and the
// same form for BuildDate and GitCommit.
var (
	Version   = unknown
	BuildDate = unknown
	GitCommit = unknown
)

// Info is attached to logs, traces and the health endpoint so a response can
// be traced back to the binary and instance that produced it.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the build of this process. The instance ID is generated
// on first use and stays fixed until exit.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.NewString(),
			Hostname:   unknown,
		}
		if host, err := os.Hostname(); err == nil && host != "" {
			info.Hostname = host
		}
		if bi, ok := debug.ReadBuildInfo(); ok {
			info = fillFromBuildInfo(info, bi)
		}
	})
	return info
}

// fillFromBuildInfo replaces fields that ldflags left unset.
func fillFromBuildInfo(i Info, bi *debug.BuildInfo) Info {
	if i.Version == unknown && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	dirty := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == unknown && s.Value != "" {
				i.GitCommit = s.Value
			}
		case "vcs.time":
			if i.BuildDate == unknown && s.Value != "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if i.Version == unknown && i.GitCommit != unknown {
		i.Version = shortCommit(i.GitCommit)
		if dirty {
			i.Version += "-dirty"
		}
	}
	return i
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

// String is the -version output.
func (i Info) String() string {
	return fmt.Sprintf("storefront version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}
