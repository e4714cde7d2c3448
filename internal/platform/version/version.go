package version

import (
	"runtime"
	"time"
)

// Build information, injected via ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info holds build information plus process uptime.
type Info struct {
	Version   string  `json:"version"`
	Commit    string  `json:"commit"`
	BuildTime string  `json:"build_time"`
	GoVersion string  `json:"go_version"`
	Uptime    float64 `json:"uptime_seconds"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(startTime).Seconds(),
	}
}
