// Package version reports what build of relay is running. The commit
// hash comes from -ldflags when set, otherwise from the VCS stamp the
// toolchain embeds; plain `go test` builds report "dev".
package version

import "runtime/debug"

// AppName prefixes version strings and the outbound user agent.
const AppName = "relay"

// gitCommitOverride is injected with -ldflags for container builds,
// where the source tree has no .git directory.
var gitCommitOverride string

// GitCommit is the short (8 char) commit hash identifying this build,
// or "dev" when no commit can be determined.
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "relay/<commit>", the form used in user agents and logs.
func Full() string {
	return AppName + "/" + GitCommit
}
