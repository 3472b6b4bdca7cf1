// Package version reports build metadata for the redrive binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	// Unknown is used when build metadata is not provided.
	Unknown = "unknown"
	// DevelopmentVersion is the default version in local builds.
	DevelopmentVersion = "dev"
)

var (
	// AppVersion is set at build time:
	// go build -ldflags="-X github.com/nimburion/redrive/pkg/version.AppVersion=v1.2.3"
	AppVersion = DevelopmentVersion

	// GitCommit is set at build time. When empty the VCS revision embedded by the toolchain is used.
	GitCommit = ""

	// BuildTime is set at build time, RFC3339.
	BuildTime = ""
)

// Info is the build metadata printed by the version command.
type Info struct {
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Current returns the metadata of the running binary.
func Current(name string) Info {
	return current(name, debug.ReadBuildInfo)
}

func current(name string, readBuildInfo func() (*debug.BuildInfo, bool)) Info {
	commit := strings.TrimSpace(GitCommit)
	buildTime := strings.TrimSpace(BuildTime)
	if commit == "" || buildTime == "" {
		if info, ok := readBuildInfo(); ok {
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					if commit == "" {
						commit = s.Value
					}
				case "vcs.time":
					if buildTime == "" {
						buildTime = s.Value
					}
				}
			}
		}
	}

	return Info{
		Name:      orDefault(name, Unknown),
		Version:   orDefault(AppVersion, DevelopmentVersion),
		Commit:    orDefault(commit, Unknown),
		BuildTime: orDefault(buildTime, Unknown),
		GoVersion: runtime.Version(),
	}
}

// String returns a single line suitable for logs and --version output.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, build_time=%s, %s)", i.Name, i.Version, i.Commit, i.BuildTime, i.GoVersion)
}

func orDefault(v, fallback string) string {
	if norm := strings.TrimSpace(v); norm != "" {
		return norm
	}
	return fallback
}
