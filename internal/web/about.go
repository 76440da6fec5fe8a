package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// BuildInfo is the VCS stamp of the running binary.
type BuildInfo struct {
	Module   string `json:"module,omitempty"`
	Version  string `json:"version,omitempty"`
	Revision string `json:"revision,omitempty"`
	Modified bool   `json:"modified,omitempty"`
	Time     string `json:"time,omitempty"`
}

type AboutResponse struct {
	Service   string            `json:"service"`
	Session   string            `json:"session,omitempty"`
	NowUTC    string            `json:"now_utc"`
	GoVersion string            `json:"go_version"`
	Target    string            `json:"target"`
	Build     BuildInfo         `json:"build"`
	Modules   map[string]string `json:"modules,omitempty"`
}

// Dependencies whose versions affect the numbers the engine produces.
var reportedModules = []string{
	"gonum.org/v1/gonum",
	"go.bug.st/serial",
	"github.com/warthog618/go-gpiocdev",
	"github.com/gorilla/websocket",
}

func readBuild() (BuildInfo, map[string]string) {
	var b BuildInfo
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return b, nil
	}
	b.Module = bi.Main.Path
	b.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		case "vcs.time":
			b.Time = s.Value
		}
	}

	mods := map[string]string{}
	for _, d := range bi.Deps {
		for _, want := range reportedModules {
			if d.Path == want || strings.HasPrefix(d.Path, want+"/") {
				mods[d.Path] = d.Version
			}
		}
	}
	if len(mods) == 0 {
		mods = nil
	}
	return b, mods
}

// AboutHandler reports build information and the pipeline session.
func AboutHandler(session string) http.Handler {
	build, mods := readBuild()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, AboutResponse{
			Service:   "stridenav",
			Session:   session,
			NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
			GoVersion: runtime.Version(),
			Target:    runtime.GOOS + "/" + runtime.GOARCH,
			Build:     build,
			Modules:   mods,
		})
	})
}
