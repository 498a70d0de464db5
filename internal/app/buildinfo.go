package app

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
	// Commit is filled by ldflags in release builds.
	Commit = ""

	readBuildInfo = debug.ReadBuildInfo
)

// BuildVersion returns the ldflags version, falling back to the module version recorded
// by go install.
func BuildVersion() string {
	if version := strings.TrimSpace(Version); version != "" && version != "dev" {
		return version
	}
	if info, ok := readBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}

	return "dev"
}

// BuildCommit returns the ldflags commit or the VCS revision embedded by the go tool.
func BuildCommit() string {
	if commit := strings.TrimSpace(Commit); commit != "" {
		return shortCommit(commit)
	}
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return shortCommit(s.Value)
		}
	}

	return ""
}

func shortCommit(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}

	return rev
}

func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return ""
	}

	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.Format(time.DateOnly)
	}
	if len(raw) >= len(time.DateOnly) {
		if _, err := time.Parse(time.DateOnly, raw[:len(time.DateOnly)]); err == nil {
			return raw[:len(time.DateOnly)]
		}
	}

	return raw
}

// BuildString renders "version (date, commit)" with the empty parts left out.
func BuildString() string {
	var extra []string
	if date := BuildDateYMD(); date != "" {
		extra = append(extra, date)
	}
	if commit := BuildCommit(); commit != "" {
		extra = append(extra, commit)
	}
	if len(extra) == 0 {
		return BuildVersion()
	}

	return fmt.Sprintf("%s (%s)", BuildVersion(), strings.Join(extra, ", "))
}
