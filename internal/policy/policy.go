// Package policy gates which commands an invocation may run.
package policy

import (
	"strings"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

// alwaysAllowed commands are read-only introspection an agent needs to
// discover what it may do.
var alwaysAllowed = []string{"version", "schema"}

// CheckCommandAllowed enforces the --enable-commands allowlist. An empty
// allowlist allows everything. An entry allows its command and every
// subcommand below it; "*" allows all.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range append(allowlist, alwaysAllowed...) {
		entry := normalize(allowed)
		if entry == "*" || covers(entry, path) {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command "+path+" blocked by --enable-commands policy")
}

func covers(entry, path string) bool {
	if entry == "" {
		return false
	}
	return path == entry || strings.HasPrefix(path, entry+" ")
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
