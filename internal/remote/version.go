// SPDX-License-Identifier: MPL-2.0

package remote

import (
	"strings"

	"golang.org/x/mod/semver"
)

// VersionCompatible reports whether the remote CLI is at least as new as the
// local one. Pre-release suffixes are ignored. Versions that cannot be
// parsed are accepted.
func VersionCompatible(local, remote string) bool {
	l, r := release(local), release(remote)
	if l == "" || r == "" {
		return true
	}
	return semver.Compare(r, l) >= 0
}

func release(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	c := semver.Canonical(v)
	if c == "" {
		return ""
	}
	return strings.TrimSuffix(c, semver.Prerelease(c))
}

// parseVersionOutput extracts the version from "avocado 0.20.0".
func parseVersionOutput(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
