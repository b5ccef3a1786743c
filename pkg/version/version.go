package version

import (
	"fmt"
	"runtime"
)

// set by -ldflags "-X kubegems.io/onnxq/pkg/version.gitVersion=..."
var (
	gitVersion = "v0.0.0-dev"
	gitCommit  = ""
	buildDate  = "1970-01-01T00:00:00Z"
)

type Version struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
}

func (v Version) String() string {
	if v.GitCommit == "" {
		return v.GitVersion
	}
	return fmt.Sprintf("%s (%s, built %s, %s %s)", v.GitVersion, v.GitCommit, v.BuildDate, v.GoVersion, v.Platform)
}

func Get() Version {
	return Version{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
