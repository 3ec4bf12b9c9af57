// Package version returns details on the running build
package version

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Release is injected with ldflags on tagged builds
var Release = ""

const unknown = "unknown"

// Info describes the binary
type Info struct {
	GoVer      string    `json:"goVersion"`
	GoCompiler string    `json:"goCompiler"`
	Platform   string    `json:"platform"`
	Module     string    `json:"module,omitempty"`
	VCSRef     string    `json:"vcsRef"`
	VCSCommit  string    `json:"vcsCommit"`
	VCSState   string    `json:"vcsState"`
	VCSTag     string    `json:"vcsTag,omitempty"`
	VCSDate    time.Time `json:"vcsDate"`
}

// GetInfo collects build details from the runtime
func GetInfo() Info {
	i := Info{
		GoVer:      runtime.Version(),
		GoCompiler: runtime.Compiler,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		VCSRef:     unknown,
		VCSCommit:  unknown,
		VCSState:   unknown,
		VCSTag:     Release,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	i.Module = bi.Main.Path
	if i.VCSTag == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.VCSTag = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			i.VCSCommit = s.Value
			i.VCSRef = s.Value
			if len(i.VCSRef) > 12 {
				i.VCSRef = i.VCSRef[:12]
			}
		case "vcs.modified":
			if s.Value == "true" {
				i.VCSState = "dirty"
			} else {
				i.VCSState = "clean"
			}
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				i.VCSDate = t
			}
		}
	}
	return i
}

// UserAgent returns the agent string with the tag, or commit when untagged
func (i Info) UserAgent(name string) string {
	if i.VCSTag != "" {
		return name + " (" + i.VCSTag + ")"
	}
	return name + " (" + i.VCSRef + ")"
}
