// Package version carries build metadata set with -ldflags -X and
// falls back to the module's embedded VCS settings.
package version

import (
	"fmt"
	"runtime/debug"
)

const AppName = "signatory"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
	VCSDirty  *bool
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	VCSDirty  *bool  `json:"vcs_dirty,omitempty"`
}

func (i Info) String() string {
	s := fmt.Sprintf("%s %s (commit %s, %s)", AppName, i.Version, i.Commit, i.GoVersion)
	if i.VCSDirty != nil && *i.VCSDirty {
		s += " dirty"
	}
	return s
}

func Get() Info {
	out := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		VCSDirty:  VCSDirty,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil && (s.Value == "true" || s.Value == "false") {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}
