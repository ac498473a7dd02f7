// SPDX-License-Identifier: MPL-2.0

package composer

import (
	"cmp"
	"slices"
)

type (
	// ExtRef is an extension reference found in a dependencies table.
	// Config is the external file defining it; Version pins a prebuilt
	// extension from a package repository.
	ExtRef struct {
		Name    string
		Config  string
		Version string
	}

	// PackageRef is a package and its configured version; "*" or "" means
	// any version.
	PackageRef struct {
		Name    string
		Version string
	}
)

// ParseExtRef interprets one dependencies entry. Accepted forms:
//
//	name: ext
//	key: { ext: name }
//	key: { ext: name, config: path }
//	key: { ext: name, version: "1.0" }   (vsn is accepted as an alias)
//
// ok is false for package dependencies.
func ParseExtRef(key string, spec any) (ExtRef, bool) {
	switch v := spec.(type) {
	case string:
		if v == "ext" {
			return ExtRef{Name: key}, true
		}
		return ExtRef{}, false
	case Map:
		name, ok := v["ext"].(string)
		if !ok {
			return ExtRef{}, false
		}
		ref := ExtRef{Name: name}
		ref.Config, _ = v["config"].(string)
		if ver, ok := scalarString(v["version"]); ok {
			ref.Version = ver
		} else if ver, ok := scalarString(v["vsn"]); ok {
			ref.Version = ver
		}
		return ref, true
	default:
		return ExtRef{}, false
	}
}

// parsePackages reads a packages table. Values may be a version string or
// number, or a mapping with a version key. Mappings carrying ext or compile
// keys are not packages and are skipped. A sequence of names is accepted
// with every version "*".
func parsePackages(v any) []PackageRef {
	var out []PackageRef
	switch t := v.(type) {
	case Map:
		for name, spec := range t {
			switch s := spec.(type) {
			case Map:
				if _, isExt := s["ext"]; isExt {
					continue
				}
				if _, isCompile := s["compile"]; isCompile {
					continue
				}
				ver, _ := scalarString(s["version"])
				out = append(out, PackageRef{Name: name, Version: ver})
			case nil:
				out = append(out, PackageRef{Name: name, Version: "*"})
			default:
				if s == "ext" {
					continue
				}
				ver, _ := scalarString(s)
				out = append(out, PackageRef{Name: name, Version: ver})
			}
		}
	case []any:
		for _, name := range toStrings(t) {
			out = append(out, PackageRef{Name: name, Version: "*"})
		}
	}
	slices.SortFunc(out, func(a, b PackageRef) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// PackageMap converts refs to a name → version map.
func PackageMap(refs []PackageRef) map[string]string {
	m := make(map[string]string, len(refs))
	for _, r := range refs {
		m[r.Name] = r.Version
	}
	return m
}

// PackageNames returns the names in refs.
func PackageNames(refs []PackageRef) []string {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	return names
}
