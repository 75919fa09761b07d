// Package version reports build information for playarr.
//
// The variables are set at build time:
//
//	go build -ldflags "-X github.com/jmylchreest/playarr/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/playarr/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/playarr/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is a SemVer string; snapshots look like "1.2.3-SNAPSHOT.abc1234".
	Version = "dev"
	Commit  = "unknown"
	// Date is the build timestamp in RFC3339.
	Date = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "playarr"

// Info is the structured build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build information.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func shortCommit() string {
	if Commit != "unknown" && len(Commit) >= 8 {
		return Commit[:8]
	}
	return ""
}

// String returns the long form printed by the version command.
func String() string {
	info := GetInfo()
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short is used for --version.
func Short() string {
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s (%s)", Version, c)
	}
	return Version
}

// UserAgent is the default User-Agent for manifest and segment requests.
func UserAgent() string {
	return ApplicationName + "/" + Version
}

// IsSnapshot reports a development or prerelease snapshot build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}
