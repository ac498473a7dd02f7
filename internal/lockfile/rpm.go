// SPDX-License-Identifier: MPL-2.0

package lockfile

import (
	"maps"
	"slices"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

var chatterPrefixes = []string{"[INFO]", "[ERROR]", "[SUCCESS]", "[DEBUG]", "[WARNING]"}

// ParseRPMQueryOutput turns `rpm -q --qf '%{NAME} %{VERSION}-%{RELEASE}.%{ARCH}\n'`
// output into a name→version map. Entrypoint chatter, "is not installed"
// lines, and anything that does not look like a package name are skipped.
// With stripArch the trailing .ARCH is removed.
func ParseRPMQueryOutput(output string, stripArch bool) Packages {
	result := Packages{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "is not installed") {
			continue
		}
		if slices.ContainsFunc(chatterPrefixes, func(p string) bool { return strings.HasPrefix(line, p) }) {
			continue
		}
		name, version, ok := strings.Cut(line, " ")
		if !ok || strings.HasPrefix(name, "[") || strings.Contains(name, "=") {
			continue
		}
		if stripArch {
			if i := strings.LastIndexByte(version, '.'); i >= 0 {
				version = version[:i]
			}
		}
		result[name] = version
	}
	return result
}

// FormatRPMQueryOutput renders versions in rpm query form, sorted by name.
func FormatRPMQueryOutput(versions Packages) string {
	var b strings.Builder
	for _, name := range slices.Sorted(maps.Keys(versions)) {
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(versions[name])
		b.WriteByte('\n')
	}
	return b.String()
}

// PackageSpec returns the DNF argument for pkg: the locked version when one
// is pinned, else the configured version, else the bare name. A config
// version of "*" or "" means latest.
func (lf *LockFile) PackageSpec(target string, s sysroot.Sysroot, pkg, configVersion string) string {
	if locked, ok := lf.LockedVersion(target, s, pkg); ok && locked != "" {
		return pkg + "-" + locked
	}
	if configVersion == "" || configVersion == "*" {
		return pkg
	}
	return pkg + "-" + configVersion
}

// PackageSpecs applies PackageSpec to a name→config-version map and returns
// the specs sorted by package name.
func (lf *LockFile) PackageSpecs(target string, s sysroot.Sysroot, packages map[string]string) []string {
	specs := make([]string, 0, len(packages))
	for _, name := range slices.Sorted(maps.Keys(packages)) {
		specs = append(specs, lf.PackageSpec(target, s, name, packages[name]))
	}
	return specs
}
