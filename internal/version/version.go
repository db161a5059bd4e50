// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"strconv"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Major = "0"
var Minor = "0"
var Patch = "0"
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Major     int    `json:"major" yaml:"major"`
	Minor     int    `json:"minor" yaml:"minor"`
	Patch     int    `json:"patch" yaml:"patch"`
	Built     string `json:"built,omitempty" yaml:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Major:     parseInt(Major),
		Minor:     parseInt(Minor),
		Patch:     parseInt(Patch),
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// String renders the version for humans, e.g. "gro 1.2.3 (abc123, built ...)".
func (info VersionInfo) String() string {
	text := "gro " + info.Version
	switch {
	case info.GitCommit != "" && info.Built != "":
		text += fmt.Sprintf(" (%s, built %s)", info.GitCommit, info.Built)
	case info.GitCommit != "":
		text += fmt.Sprintf(" (%s)", info.GitCommit)
	case info.Built != "":
		text += fmt.Sprintf(" (built %s)", info.Built)
	}
	return text
}

func parseInt(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
