// Package buildinfo carries version information stamped at link time:
//
//	go build -ldflags "-X github.com/ZanzyTHEbar/opengin-core-go/internal/buildinfo.Version=v0.3.0"
package buildinfo

import "runtime/debug"

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func init() {
	if Revision != "" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			Revision = s.Value
		case "vcs.time":
			if BuildDate == "" {
				BuildDate = s.Value
			}
		}
	}
}
