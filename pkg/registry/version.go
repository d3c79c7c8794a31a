package registry

import (
	"runtime/debug"
	"strings"
	"sync"
)

var buildInfoOnce = sync.OnceValue(func() map[string]string {
	versions := make(map[string]string)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return versions
	}
	for _, dep := range info.Deps {
		m := dep
		if m.Replace != nil {
			m = m.Replace
		}
		versions[m.Path] = strings.TrimPrefix(m.Version, "v")
	}
	return versions
})

// DetectVersion resolves the version of a module compiled into this binary.
// Returns "" when the module is absent or the binary carries no build info;
// the registry treats unknown versions as a pass-through, never a failure.
func DetectVersion(modulePath string) string {
	return buildInfoOnce()[modulePath]
}
