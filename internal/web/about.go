package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

type AboutResponse struct {
	Service   string            `json:"service"`
	NowUTC    string            `json:"now_utc"`
	GoVersion string            `json:"go_version"`
	Platform  string            `json:"platform"`
	Version   string            `json:"version,omitempty"`
	Commit    string            `json:"commit,omitempty"`
	Dirty     bool              `json:"dirty,omitempty"`
	BuildTime string            `json:"build_time,omitempty"`
	Modules   map[string]string `json:"modules,omitempty"`
}

func about() AboutResponse {
	resp := AboutResponse{
		Service:   "rtkbridge",
		NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	resp.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
	if len(bi.Deps) > 0 {
		resp.Modules = make(map[string]string, len(bi.Deps))
		for _, d := range bi.Deps {
			resp.Modules[d.Path] = d.Version
		}
	}
	return resp
}

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b, err := json.MarshalIndent(about(), "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})
}
