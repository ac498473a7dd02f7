// SPDX-License-Identifier: MPL-2.0

// Package deps resolves which extensions a target or runtime needs and the
// order in which they are installed.
package deps

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/dag"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

const (
	// Local extensions are defined in the root configuration.
	Local Kind = iota + 1
	// External extensions are defined in a referenced configuration file.
	External
	// Versioned extensions are prebuilt and pinned to a repository version.
	Versioned
)

type (
	// Kind classifies an extension dependency.
	Kind int

	// Extension is one required extension. ConfigPath is the file defining
	// it; it is empty for versioned extensions.
	Extension struct {
		Name       string
		Kind       Kind
		ConfigPath string
		Version    string
	}

	// Resolver walks extension dependencies for one composed configuration.
	Resolver struct {
		composed *composer.Composed
		loader   *composer.Loader
		opts     composer.Options
		target   string
		// external memoizes typed views of referenced files per invocation.
		external map[string]*composer.Config
	}

	node struct {
		name   string
		origin string
	}
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case External:
		return "external"
	case Versioned:
		return "versioned"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sysroot returns the sysroot the extension installs into.
func (e Extension) Sysroot() sysroot.Sysroot {
	if e.Kind == Versioned {
		return sysroot.VersionedExtension(e.Name)
	}
	return sysroot.Extension(e.Name)
}

func (e Extension) key() string {
	return e.Name + "\x00" + e.ConfigPath
}

// NewResolver returns a Resolver for target. loader may be nil, in which
// case a fresh one is used.
func NewResolver(composed *composer.Composed, loader *composer.Loader, target string) *Resolver {
	if loader == nil {
		loader = composer.NewLoader()
	}
	return &Resolver{
		composed: composed,
		loader:   loader,
		opts:     composer.Options{Target: target},
		target:   target,
		external: make(map[string]*composer.Config),
	}
}

// Resolve returns every extension required by runtime, or by all runtimes
// for the target when runtime is empty. Each (name, defining file) pair
// appears once; cycles end at the second visit. The result is sorted by
// name and then by defining file.
func (r *Resolver) Resolve(runtime string) ([]Extension, error) {
	roots, err := r.roots(runtime)
	if err != nil {
		return nil, err
	}
	out, _, err := r.walk(roots)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Extension) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ConfigPath, b.ConfigPath))
	})
	return out, nil
}

// InstallOrder returns the extensions required by runtime (or by every
// runtime for the target) so that each comes after the extensions it
// depends on. Edges that would close a cycle are dropped.
func (r *Resolver) InstallOrder(runtime string) ([]Extension, error) {
	roots, err := r.roots(runtime)
	if err != nil {
		return nil, err
	}
	return r.order(roots)
}

// ExtensionOrder is InstallOrder rooted at the named extensions instead of
// a runtime. The named extensions are part of the result.
func (r *Resolver) ExtensionOrder(names ...string) ([]Extension, error) {
	roots := make([]Extension, 0, len(names))
	for _, name := range names {
		ext, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("extension '%s' not found in configuration", name)
		}
		roots = append(roots, ext)
	}
	return r.order(roots)
}

func (r *Resolver) order(roots []Extension) ([]Extension, error) {
	exts, edges, err := r.walk(roots)
	if err != nil {
		return nil, err
	}

	g := dag.New[string]()
	byKey := make(map[string]Extension, len(exts))
	for _, e := range exts {
		g.AddNode(e.key())
		byKey[e.key()] = e
	}
	for _, edge := range edges {
		if !g.AddEdgeIfAcyclic(edge[0], edge[1]) {
			log.Debug("pruning dependency cycle", "from", byKey[edge[1]].Name, "to", byKey[edge[0]].Name)
		}
	}
	keys, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	ordered := make([]Extension, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, byKey[k])
	}
	return ordered, nil
}

// ForExtension returns the extensions name depends on, transitively,
// excluding name itself.
func (r *Resolver) ForExtension(name string) ([]Extension, error) {
	root := r.composed.Path
	if src, ok := r.composed.ExtensionSources[name]; ok {
		root = src
	}
	start := r.classify(composer.ExtRef{Name: name}, root, r.composed.Path)
	out, _, err := r.walk([]Extension{start})
	if err != nil {
		return nil, err
	}
	out = slices.DeleteFunc(out, func(e Extension) bool { return e.key() == start.key() })
	slices.SortFunc(out, func(a, b Extension) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ConfigPath, b.ConfigPath))
	})
	return out, nil
}

// Lookup classifies an extension named on the command line. ok is false
// when no loaded configuration defines it.
func (r *Resolver) Lookup(name string) (Extension, bool) {
	if _, ok := r.composed.Config.Extension(name, r.target); !ok {
		return Extension{}, false
	}
	return r.classify(composer.ExtRef{Name: name}, r.sourceOf(name), r.composed.Path), true
}

func (r *Resolver) roots(runtime string) ([]Extension, error) {
	cfg := r.composed.Config
	names := []string{runtime}
	if runtime == "" {
		names = cfg.RuntimesForTarget(r.target)
	}
	var roots []Extension
	for _, name := range names {
		rt, ok := cfg.Runtime(name, r.target)
		if !ok {
			return nil, fmt.Errorf("runtime '%s' not found in configuration", name)
		}
		for _, ext := range rt.Extensions {
			roots = append(roots, r.classify(composer.ExtRef{Name: ext}, r.sourceOf(ext), r.composed.Path))
		}
		for _, ref := range rt.ExtRefs {
			roots = append(roots, r.classify(ref, r.composed.Path, r.composed.Path))
		}
	}
	return roots, nil
}

// sourceOf is the file that defined ext during composition.
func (r *Resolver) sourceOf(ext string) string {
	if src, ok := r.composed.ExtensionSources[ext]; ok {
		return src
	}
	return r.composed.Path
}

// classify turns a reference found in the file referrer into a node.
// origin is the file whose extensions table the name is looked up in when
// the reference carries no config of its own.
func (r *Resolver) classify(ref composer.ExtRef, origin, referrer string) Extension {
	switch {
	case ref.Version != "" && ref.Config == "":
		return Extension{Name: ref.Name, Kind: Versioned, Version: ref.Version}
	case ref.Config != "":
		p := ref.Config
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(referrer), p)
		}
		return Extension{Name: ref.Name, Kind: External, ConfigPath: filepath.Clean(p)}
	case origin != r.composed.Path:
		return Extension{Name: ref.Name, Kind: External, ConfigPath: origin}
	default:
		return Extension{Name: ref.Name, Kind: Local, ConfigPath: origin}
	}
}

// walk expands roots breadth-first. Edges are (dependency, dependent) key
// pairs so that dependencies come first in a topological order.
func (r *Resolver) walk(roots []Extension) ([]Extension, [][2]string, error) {
	visited := make(map[node]bool)
	var (
		out   []Extension
		edges [][2]string
	)
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		ext := queue[0]
		queue = queue[1:]
		n := node{name: ext.Name, origin: ext.ConfigPath}
		if visited[n] {
			log.Debug("extension already visited", "extension", ext.Name, "config", ext.ConfigPath)
			continue
		}
		visited[n] = true
		out = append(out, ext)
		if ext.Kind == Versioned {
			continue
		}

		def, err := r.definition(ext)
		if err != nil {
			return nil, nil, err
		}
		if def == nil {
			continue
		}
		for _, ref := range def.ExtRefs {
			dep := r.classify(ref, ext.ConfigPath, ext.ConfigPath)
			edges = append(edges, [2]string{dep.key(), ext.key()})
			queue = append(queue, dep)
		}
	}
	return out, edges, nil
}

// Definition returns the extension's merged section, nil for versioned
// extensions and extensions nothing defines.
func (r *Resolver) Definition(ext Extension) (*composer.Extension, error) {
	if ext.Kind == Versioned {
		return nil, nil
	}
	return r.definition(ext)
}

// definition finds the extension's section in its defining file. The root
// configuration also carries sections grafted from fetched and external
// files, so it is the fallback for every kind.
func (r *Resolver) definition(ext Extension) (*composer.Extension, error) {
	if ext.Kind == External {
		cfg, err := r.externalConfig(ext.ConfigPath)
		if err != nil {
			return nil, err
		}
		if def, ok := cfg.Extension(ext.Name, r.target); ok {
			return def, nil
		}
	}
	def, ok := r.composed.Config.Extension(ext.Name, r.target)
	if !ok {
		log.Debug("extension has no definition", "extension", ext.Name, "config", ext.ConfigPath)
		return nil, nil
	}
	return def, nil
}

func (r *Resolver) externalConfig(path string) (*composer.Config, error) {
	if cfg, ok := r.external[path]; ok {
		return cfg, nil
	}
	cfg, err := r.loader.External(path, r.opts)
	if err != nil {
		return nil, err
	}
	r.external[path] = cfg
	return cfg, nil
}
