package version

import (
	"runtime"
	"time"
)

// These variables will be set at build time via -ldflags
var (
	// Version represents the application version (from git tags)
	Version = "dev"
	// BuildTime is the time when the binary was built
	BuildTime = "unknown"
	// CommitID is the git commit hash
	CommitID = "unknown"
)

// ProtocolVersion is the lens link protocol revision this build speaks.
const ProtocolVersion = "1"

// Info describes the running binary.
type Info struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
	GoVersion       string `json:"goVersion"`
	GitCommit       string `json:"gitCommit"`
	BuildTime       string `json:"buildTime"`
	FormattedTime   string `json:"formattedTime"`
	OS              string `json:"os"`
	Arch            string `json:"arch"`
}

// formatBuildTime returns a nicely formatted build time
func formatBuildTime() string {
	if BuildTime == "unknown" {
		return BuildTime
	}

	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}

	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Get returns version information for the running binary.
func Get() Info {
	return Info{
		Version:         Version,
		ProtocolVersion: ProtocolVersion,
		GoVersion:       runtime.Version(),
		GitCommit:       CommitID,
		BuildTime:       BuildTime,
		FormattedTime:   formatBuildTime(),
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
	}
}
