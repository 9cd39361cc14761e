package meta

import (
	"fmt"
	"runtime"
)

// Info describes how a tether binary was built.
//
// Most of it is filled in by the Go linker, e.g.
//
//	go build -ldflags "-X github.com/luma/tether/internal/meta.Version=1.2.0"
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

// These will be filled in using the linker -X flag
var (
	// Version as an arbitrary string
	Version = "dev"

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	// GoTag is the Go build tags, see https://golang.org/pkg/go/build/#hdr-Build_Constraints
	GoTag string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   Version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

func (i Info) String() string {
	if i.Build == "" {
		return fmt.Sprintf("tether %s (%s, %s)", i.Version, i.Platform, i.GoVersion)
	}

	return fmt.Sprintf("tether %s %s@%s (%s, %s)", i.Version, i.Branch, i.Build, i.Platform, i.GoVersion)
}
