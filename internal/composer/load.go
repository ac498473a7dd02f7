// SPDX-License-Identifier: MPL-2.0

package composer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const externalCacheSize = 128

// legacyKeys maps deprecated top-level section names to their replacements.
var legacyKeys = map[string]string{
	"ext":     "extensions",
	"runtime": "runtimes",
}

type (
	// Options control a composition.
	Options struct {
		// Target is the explicitly requested target; it feeds
		// {{ avocado.target }} and selects fetched extension configs.
		Target string
		// LookupEnv overrides os.LookupEnv.
		LookupEnv func(string) (string, bool)
	}

	// Loader composes configurations and memoizes parsed external files
	// for the life of one CLI invocation.
	Loader struct {
		cache *lru.Cache[string, Map]
	}

	// Composed is the result of a composition.
	Composed struct {
		// Config is the typed facade over Merged.
		Config *Config
		// Merged is the interpolated, externally merged tree.
		Merged Map
		// Path is the absolute path of the root configuration file.
		Path string
		// ExtensionSources maps extension name to the file that defined it.
		ExtensionSources map[string]string
	}

	externalRef struct {
		ext  string
		path string // absolute
	}
)

// NewLoader returns a Loader with an empty external-config cache.
func NewLoader() *Loader {
	cache, err := lru.New[string, Map](externalCacheSize)
	if err != nil {
		panic(fmt.Sprintf("composer: creating cache: %v", err))
	}
	return &Loader{cache: cache}
}

// Compose loads configPath with a fresh Loader.
func Compose(configPath string, opts Options) (*Composed, error) {
	return NewLoader().Compose(configPath, opts)
}

// Compose loads the root configuration, merges fetched and external
// extension configs into it, and resolves placeholders.
func (l *Loader) Compose(configPath string, opts Options) (*Composed, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, &Error{Kind: ConfigNotFound, Path: configPath, Err: err}
	}
	root, err := readFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Kind: ConfigNotFound, Path: abs, Err: err}
		}
		return nil, err
	}

	sources := make(map[string]string)
	for name := range lookupMap(root, "extensions") {
		sources[name] = abs
	}

	interp := &Interpolator{Target: opts.Target, LookupEnv: opts.LookupEnv}
	if err := l.mergeFetched(root, abs, interp, sources); err != nil {
		return nil, err
	}
	if err := l.mergeExternal(root, abs, sources); err != nil {
		return nil, err
	}
	if err := interp.Interpolate(root); err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = abs
		}
		return nil, err
	}

	return &Composed{
		Config:           newConfig(root, abs, opts.LookupEnv),
		Merged:           root,
		Path:             abs,
		ExtensionSources: sources,
	}, nil
}

// readFile parses a YAML or TOML document and normalizes legacy keys.
func readFile(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse decodes a configuration document. Files ending in .toml are TOML;
// everything else is YAML.
func Parse(name string, data []byte) (Map, error) {
	var raw any
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, &Error{Kind: ConfigParse, Path: name, Err: err}
		}
		raw = m
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Kind: ConfigParse, Path: name, Err: err}
	}
	if raw == nil {
		return Map{}, nil
	}
	m, ok := normalize(raw).(Map)
	if !ok {
		return nil, &Error{Kind: ConfigParse, Path: name, Err: fmt.Errorf("top level must be a mapping, got %T", raw)}
	}
	normalizeLegacy(m)
	return m, nil
}

// normalizeLegacy renames deprecated sections in place. When both spellings
// exist the legacy one is merged beneath the current one.
func normalizeLegacy(m Map) {
	for old, cur := range legacyKeys {
		legacy, ok := m[old]
		if !ok {
			continue
		}
		delete(m, old)
		if existing, ok := m[cur]; ok {
			m[cur] = deepMerge(legacy, existing)
		} else {
			m[cur] = legacy
		}
	}
	if sdk, ok := m["sdk"].(Map); ok {
		if deps, ok := sdk["dependencies"]; ok {
			delete(sdk, "dependencies")
			if existing, ok := sdk["packages"]; ok {
				sdk["packages"] = deepMerge(deps, existing)
			} else {
				sdk["packages"] = deps
			}
		}
	}
}

func (l *Loader) loadExternal(path string) (Map, error) {
	if m, ok := l.cache.Get(path); ok {
		return deepCopy(m).(Map), nil
	}
	m, err := readFile(path)
	if err != nil {
		return nil, err
	}
	l.cache.Add(path, m)
	return deepCopy(m).(Map), nil
}

// FetchedConfigPath is the host location of a fetched extension's own
// configuration file.
func FetchedConfigPath(srcDir, target, ext string) string {
	return filepath.Join(srcDir, ".avocado", target, "includes", ext, "avocado.yaml")
}

// mergeFetched merges the avocado.yaml of every extension with a source that
// has been fetched for the resolved target. Extensions not yet fetched are
// skipped.
func (l *Loader) mergeFetched(root Map, configPath string, interp *Interpolator, sources map[string]string) error {
	pass := resolvePass{in: interp, root: root}
	target := pass.target()
	if target == "" {
		return nil
	}
	srcDir := resolveSrcDir(root, configPath)
	for _, name := range sortedKeys(lookupMap(root, "extensions")) {
		ext := lookupMap(root, "extensions", name)
		src, ok := ext["source"].(Map)
		if !ok {
			continue
		}
		resolved := strings.ReplaceAll(name, "{{ avocado.target }}", target)
		path := FetchedConfigPath(srcDir, target, resolved)
		fetched, err := l.loadExternal(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return &Error{Kind: ExternalMerge, Path: path, Err: err}
		}
		log.Debug("merging fetched extension config", "extension", resolved, "path", path)
		mergeExternalConfig(root, fetched, resolved, toStrings(src["include"]))
		recordSources(sources, fetched, resolved, path)
	}
	return nil
}

// mergeExternal follows dependency entries carrying config: <path>, merging
// each referenced file. A missing file is an error naming it.
func (l *Loader) mergeExternal(root Map, configPath string, sources map[string]string) error {
	visited := make(map[externalRef]bool)
	queue := discoverExternalRefs(root, filepath.Dir(configPath))
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if visited[ref] {
			log.Debug("external config already merged", "extension", ref.ext, "path", ref.path)
			continue
		}
		visited[ref] = true

		ext, err := l.loadExternal(ref.path)
		if err != nil {
			return &Error{Kind: ExternalMerge, Path: ref.path, Err: fmt.Errorf("loading config for extension '%s': %w", ref.ext, err)}
		}
		mergeExternalConfig(root, ext, ref.ext, []string{"provision.*", "sdk.packages.*", "sdk.compile.*"})
		recordSources(sources, ext, ref.ext, ref.path)
		queue = append(queue, discoverExternalRefs(ext, filepath.Dir(ref.path))...)
	}
	return nil
}

func recordSources(sources map[string]string, cfg Map, ext, path string) {
	sources[ext] = path
	for name := range lookupMap(cfg, "extensions") {
		if _, ok := sources[name]; !ok {
			sources[name] = path
		}
	}
}

// discoverExternalRefs scans runtime and extension dependency tables,
// including target-specific subsections, for { ext, config } entries.
func discoverExternalRefs(cfg Map, baseDir string) []externalRef {
	var refs []externalRef
	collect := func(section Map) {
		deps, _ := section["dependencies"].(Map)
		for _, key := range sortedKeys(deps) {
			ref, ok := ParseExtRef(key, deps[key])
			if !ok || ref.Config == "" {
				continue
			}
			p := ref.Config
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			refs = append(refs, externalRef{ext: ref.Name, path: filepath.Clean(p)})
		}
	}
	for _, group := range []string{"runtimes", "extensions"} {
		sections := lookupMap(cfg, group)
		for _, name := range sortedKeys(sections) {
			section, ok := sections[name].(Map)
			if !ok {
				continue
			}
			collect(section)
			for _, key := range sortedKeys(section) {
				if sub, ok := section[key].(Map); ok && !reservedSectionKeys[key] {
					collect(sub)
				}
			}
		}
	}
	return refs
}

// reservedSectionKeys are extension and runtime fields that are never
// target-specific override blocks.
var reservedSectionKeys = map[string]bool{
	"dependencies": true, "packages": true, "source": true, "signing": true,
	"target": true, "extensions": true, "types": true, "version": true,
	"stone_include_paths": true, "stone_manifest": true, "sdk": true,
	"sysext": true, "confext": true, "overlay": true, "config": true,
}

// mergeExternalConfig grafts an external file into root. The extension's
// own section is always merged with root taking precedence; provision
// profiles, SDK packages and compile sections are merged when they match an
// include pattern or, for compile sections, are referenced by the
// extension's dependencies.
func mergeExternalConfig(root, ext Map, extName string, include []string) {
	if section, ok := lookupMap(ext, "extensions")[extName].(Map); ok {
		exts := ensureMap(root, "extensions")
		if existing, ok := exts[extName].(Map); ok {
			for k, v := range section {
				if _, has := existing[k]; !has {
					existing[k] = deepCopy(v)
				}
			}
		} else {
			exts[extName] = deepCopy(section)
		}
	}

	autoCompile := make(map[string]bool)
	for _, dep := range lookupMap(ext, "extensions", extName, "dependencies") {
		if d, ok := dep.(Map); ok {
			if name, ok := d["compile"].(string); ok {
				autoCompile[name] = true
			}
		}
	}

	graft := func(path []string, always map[string]bool) {
		from := lookupMap(ext, path...)
		if len(from) == 0 {
			return
		}
		for _, key := range sortedKeys(from) {
			if !always[key] && !MatchesInclude(strings.Join(append(path, key), "."), include) {
				continue
			}
			dst := root
			for _, seg := range path {
				dst = ensureMap(dst, seg)
			}
			if _, has := dst[key]; !has {
				dst[key] = deepCopy(from[key])
			}
		}
	}
	graft([]string{"provision"}, nil)
	graft([]string{"sdk", "packages"}, nil)
	graft([]string{"sdk", "compile"}, autoCompile)
}

// MatchesInclude reports whether a dotted config path matches one of the
// patterns. "a.*" matches "a" and anything below it; other patterns match
// exactly.
func MatchesInclude(path string, patterns []string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, ".*"); ok {
			if path == prefix || strings.HasPrefix(path, prefix+".") {
				return true
			}
		} else if path == p {
			return true
		}
	}
	return false
}

func resolveSrcDir(root Map, configPath string) string {
	dir := filepath.Dir(configPath)
	src := stringAt(root, "src_dir")
	if src == "" {
		return dir
	}
	if filepath.IsAbs(src) {
		return src
	}
	return filepath.Join(dir, src)
}

// External parses an external extension configuration through the
// invocation's cache and resolves its placeholders. The result is
// independent of the cached tree.
func (l *Loader) External(path string, opts Options) (*Config, error) {
	m, err := l.loadExternal(path)
	if err != nil {
		return nil, &Error{Kind: ExternalMerge, Path: path, Err: err}
	}
	interp := &Interpolator{Target: opts.Target, LookupEnv: opts.LookupEnv}
	if err := interp.Interpolate(m); err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = path
		}
		return nil, err
	}
	return newConfig(m, path, opts.LookupEnv), nil
}
