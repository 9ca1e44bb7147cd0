// Package version reports build information injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/metal-toolbox/oltprov/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"encoding/json"
	"runtime"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These variables are set via -ldflags at build time.
var (
	GitCommit  = "unknown"
	GitBranch  = "unknown"
	GitSummary = "unknown"
	BuildDate  = "unknown"
	AppVersion = "0.0.0-dev"
	GoVersion  = runtime.Version()
)

type Version struct {
	GitCommit  string `json:"git_commit"`
	GitBranch  string `json:"git_branch"`
	GitSummary string `json:"git_summary"`
	BuildDate  string `json:"build_date"`
	AppVersion string `json:"app_version"`
	GoVersion  string `json:"go_version"`
}

func Current() *Version {
	return &Version{
		GitBranch:  GitBranch,
		GitCommit:  GitCommit,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		AppVersion: AppVersion,
		GoVersion:  GoVersion,
	}
}

// AsMap returns the version as log fields.
func (v *Version) AsMap() (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal version")
	}

	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal version")
	}

	return m, nil
}

// ExportBuildInfoMetric exports a constant gauge labelled with the build information.
func ExportBuildInfoMetric() {
	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oltprov_build_info",
			Help: "A metric with a constant '1' value, labeled by build information",
		},
		[]string{"branch", "commit", "summary", "date", "version", "goversion"},
	)

	buildInfo.WithLabelValues(GitBranch, GitCommit, GitSummary, BuildDate, AppVersion, GoVersion).Set(1)
}
