package handlers

import (
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/3leaps/aerobatch/internal/errors"
)

// VersionInfo is the build identity served on /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Crucible  string `json:"crucible,omitempty"`
	Gofulmen  string `json:"gofulmen,omitempty"`
}

var buildInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records the build identity.
func SetVersionInfo(version, commit, buildDate string) {
	buildInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	info := buildInfo
	info.GoVersion = runtime.Version()
	v := crucible.GetVersion()
	info.Crucible = v.Crucible
	info.Gofulmen = v.Gofulmen
	apperrors.WriteJSON(w, http.StatusOK, info)
}
