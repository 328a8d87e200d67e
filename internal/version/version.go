package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time:
//
//	go build -ldflags="-X github.com/kefctl/kefctl/internal/version.Version=v0.3.0 \
//	                   -X github.com/kefctl/kefctl/internal/version.Commit=abc1234"
//
// Unset values are filled from the module build info on first use.
var (
	Version = ""
	Commit  = ""
)

// Info describes the running binary
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var (
	once sync.Once
	info Info
)

// Get returns the build information
func Get() Info {
	once.Do(resolve)
	return info
}

func resolve() {
	info = Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		fromVCS(bi.Settings)
	}

	if info.Version == "" {
		info.Version = "dev"
		if info.BuildTime != "" {
			if t, err := time.Parse(time.RFC3339, info.BuildTime); err == nil {
				info.Version = "dev-" + t.Format("20060102")
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
}

func fromVCS(settings []debug.BuildSetting) {
	var revision string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		case "vcs.time":
			info.BuildTime = s.Value
		}
	}
	if info.Commit != "" || revision == "" {
		return
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		revision += "-dirty"
	}
	info.Commit = revision
}

// Full returns the version with its commit, e.g. "v0.3.0 (commit: abc1234)"
func Full() string {
	i := Get()
	return fmt.Sprintf("%s (commit: %s)", i.Version, i.Commit)
}
