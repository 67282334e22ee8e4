// Package version reports which build of resumeflow is running. The commit
// comes from an -ldflags override when set, otherwise from the VCS stamp in
// debug.BuildInfo, otherwise "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in logs and user agents.
const AppName = "resumeflow"

// commitOverride is injected with -ldflags for container builds that have
// no .git directory.
var commitOverride string

// GitCommit is the short commit hash backing this binary, or "dev" when no
// build metadata is available (go test, source builds outside git).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "resumeflow/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
