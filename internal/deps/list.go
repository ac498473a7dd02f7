// SPDX-License-Identifier: MPL-2.0

package deps

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/avocado-linux/avocado-cli/internal/composer"
)

// Dependency types as printed by the deps commands.
const (
	TypeExt = "ext"
	TypePkg = "pkg"
)

// Dependency is one row of a deps listing.
type Dependency struct {
	Type    string
	Name    string
	Version string
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s:%s = %s", d.Type, d.Name, d.Version)
}

// Sort orders extension dependencies before package dependencies and each
// group by name, dropping exact duplicates.
func Sort(ds []Dependency) []Dependency {
	out := slices.Clone(ds)
	slices.SortStableFunc(out, func(a, b Dependency) int {
		return cmp.Or(
			cmp.Compare(typeRank(a.Type), typeRank(b.Type)),
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.Version, b.Version),
		)
	})
	return slices.Compact(out)
}

func typeRank(t string) int {
	if t == TypeExt {
		return 0
	}
	return 1
}

// ExtensionDependencies lists the direct dependencies of one extension:
// referenced extensions, packages, and packages of referenced compile
// sections.
func (r *Resolver) ExtensionDependencies(name string) ([]Dependency, error) {
	ext, ok := r.composed.Config.Extension(name, r.target)
	if !ok {
		return nil, fmt.Errorf("extension '%s' not found in configuration", name)
	}
	var out []Dependency
	for _, ref := range ext.ExtRefs {
		out = append(out, Dependency{Type: TypeExt, Name: ref.Name, Version: r.extVersion(ref)})
	}
	for _, p := range ext.Packages {
		out = append(out, Dependency{Type: TypePkg, Name: p.Name, Version: p.Version})
	}
	out = append(out, r.compileDependencies(ext.Raw)...)
	return Sort(out), nil
}

// RuntimeDependencies lists a runtime's extensions and packages.
func (r *Resolver) RuntimeDependencies(name string) ([]Dependency, error) {
	rt, ok := r.composed.Config.Runtime(name, r.target)
	if !ok {
		return nil, fmt.Errorf("runtime '%s' not found in configuration", name)
	}
	var out []Dependency
	for _, ext := range rt.Extensions {
		out = append(out, Dependency{Type: TypeExt, Name: ext, Version: r.extVersion(composer.ExtRef{Name: ext})})
	}
	for _, ref := range rt.ExtRefs {
		out = append(out, Dependency{Type: TypeExt, Name: ref.Name, Version: r.extVersion(ref)})
	}
	for _, p := range rt.Packages {
		out = append(out, Dependency{Type: TypePkg, Name: p.Name, Version: p.Version})
	}
	return Sort(out), nil
}

// SDKDependencies lists the packages installed into the SDK: sdk.packages,
// every extension's sdk.packages, and every compile section's packages.
func (r *Resolver) SDKDependencies() []Dependency {
	cfg := r.composed.Config
	sdk := cfg.SDK(r.target)
	var out []Dependency
	for _, p := range sdk.Packages {
		out = append(out, Dependency{Type: TypePkg, Name: p.Name, Version: p.Version})
	}
	for _, p := range cfg.ExtensionSDKPackages(r.target) {
		out = append(out, Dependency{Type: TypePkg, Name: p.Name, Version: p.Version})
	}
	for _, sec := range sdk.Compile {
		for _, p := range sec.Packages {
			out = append(out, Dependency{Type: TypePkg, Name: p.Name, Version: p.Version})
		}
	}
	return Sort(out)
}

func (r *Resolver) extVersion(ref composer.ExtRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	if ext, ok := r.composed.Config.Extension(ref.Name, r.target); ok {
		return ext.Version
	}
	return "*"
}

// compileDependencies expands { compile: section } entries in a
// dependencies table into the section's packages.
func (r *Resolver) compileDependencies(section composer.Map) []Dependency {
	table, _ := section["dependencies"].(composer.Map)
	if len(table) == 0 {
		return nil
	}
	sections := r.composed.Config.SDK(r.target).Compile
	var out []Dependency
	for _, spec := range table {
		m, ok := spec.(composer.Map)
		if !ok {
			continue
		}
		name, ok := m["compile"].(string)
		if !ok {
			continue
		}
		i := slices.IndexFunc(sections, func(s composer.CompileSection) bool { return s.Name == name })
		if i < 0 {
			continue
		}
		for _, p := range sections[i].Packages {
			out = append(out, Dependency{Type: TypePkg, Name: p.Name, Version: p.Version})
		}
	}
	return out
}
