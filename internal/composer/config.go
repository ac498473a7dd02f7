// SPDX-License-Identifier: MPL-2.0

package composer

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Default values applied by the typed facade.
const (
	DefaultChecksumAlgorithm = "sha256"
	DefaultExtensionVersion  = "0.1.0"
	DefaultStateFile         = "provision-state.json"
)

// Source types for fetched extensions.
const (
	SourcePackage SourceType = "package"
	SourceGit     SourceType = "git"
	SourcePath    SourceType = "path"
)

type (
	// Config is a typed view over a composed tree. Lookups are best-effort:
	// absent or mistyped fields yield zero values.
	Config struct {
		root      Map
		path      string
		lookupEnv func(string) (string, bool)
	}

	// SourceType names where a fetched extension comes from.
	SourceType string

	// Source describes how to fetch an extension.
	Source struct {
		Type           SourceType
		Version        string
		Package        string
		RepoName       string
		URL            string
		Ref            string
		Path           string
		SparseCheckout []string
		Include        []string
	}

	// SDK is the merged sdk section.
	SDK struct {
		Image                   string
		RepoURL                 string
		RepoRelease             string
		Packages                []PackageRef
		ContainerArgs           []string
		DisableWeakDependencies bool
		Compile                 []CompileSection
	}

	// CompileSection is one sdk.compile.<name> entry.
	CompileSection struct {
		Name     string
		Script   string
		Packages []PackageRef
	}

	// Extension is a merged extension section.
	Extension struct {
		Name        string
		Version     string
		Types       []string
		Scopes      []string
		Packages    []PackageRef
		ExtRefs     []ExtRef
		SDKPackages []PackageRef
		Source      *Source
		Raw         Map
	}

	// Runtime is a merged runtime section.
	Runtime struct {
		Name              string
		Target            string
		Extensions        []string
		ExtRefs           []ExtRef
		Packages          []PackageRef
		Signing           *Signing
		StoneIncludePaths []string
		StoneManifest     string
		Raw               Map
	}

	// Signing binds a key to a runtime.
	Signing struct {
		Key               string
		ChecksumAlgorithm string
	}

	// ProvisionProfile is a provision.<profile> section.
	ProvisionProfile struct {
		Name          string
		ContainerArgs []string
		StateFile     string
		Raw           Map
	}
)

func newConfig(root Map, path string, lookupEnv func(string) (string, bool)) *Config {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	return &Config{root: root, path: path, lookupEnv: lookupEnv}
}

// NewConfig wraps an already composed tree.
func NewConfig(root Map, path string) *Config {
	return newConfig(root, path, nil)
}

// Raw returns the composed tree.
func (c *Config) Raw() Map { return c.root }

// Path returns the root configuration file.
func (c *Config) Path() string { return c.path }

// SrcDir is the project source directory: src_dir relative to the config
// file, or the config file's directory.
func (c *Config) SrcDir() string {
	return resolveSrcDir(c.root, c.path)
}

// DefaultTarget returns default_target, or "" when unset or empty.
func (c *Config) DefaultTarget() string {
	return strings.TrimSpace(stringAt(c.root, "default_target"))
}

// SupportedTargets returns the supported_targets list; all is true when the
// config declares "*".
func (c *Config) SupportedTargets() (targets []string, all bool) {
	v, ok := lookup(c.root, "supported_targets")
	if !ok {
		return nil, false
	}
	if s, ok := v.(string); ok && s == "*" {
		return nil, true
	}
	return toStrings(v), false
}

// KnownTargets is every target the configuration mentions: supported
// targets, default_target, and runtime target fields.
func (c *Config) KnownTargets() []string {
	set := make(map[string]bool)
	supported, _ := c.SupportedTargets()
	for _, t := range supported {
		set[t] = true
	}
	if t := c.DefaultTarget(); t != "" {
		set[t] = true
	}
	for _, name := range c.RuntimeNames() {
		if t := stringAt(c.root, "runtimes", name, "target"); t != "" {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// DistroChannel returns distro.channel.
func (c *Config) DistroChannel() string { return stringAt(c.root, "distro", "channel") }

// DistroVersion returns distro.version.
func (c *Config) DistroVersion() string { return stringAt(c.root, "distro", "version") }

// sectionTables are the mapping-valued fields a section may carry.
var sectionTables = []string{
	"compile", "dependencies", "ext", "groups", "kernel", "overlay",
	"packages", "sdk", "signing", "source", "users",
}

// Section returns path merged with its <target> child. Child blocks keyed by
// other targets are dropped from the result. When the target list is open
// (supported_targets: "*", or no target named anywhere) any mapping child
// that is not a section table counts as a target block.
func (c *Config) Section(target string, path ...string) Map {
	base := lookupMap(c.root, path...)
	known := c.KnownTargets()
	_, all := c.SupportedTargets()
	open := all || len(known) == 0
	stripped := Map{}
	for k, v := range base {
		if _, isMap := v.(Map); isMap {
			if k == target || slices.Contains(known, k) || (open && !slices.Contains(sectionTables, k)) {
				continue
			}
		}
		stripped[k] = v
	}
	if target == "" {
		return stripped
	}
	over, ok := base[target].(Map)
	if !ok {
		return stripped
	}
	return deepMerge(stripped, over).(Map)
}

// SDK returns the SDK section merged for target. AVOCADO_SDK_REPO_URL and
// AVOCADO_SDK_REPO_RELEASE override the configured repository.
func (c *Config) SDK(target string) SDK {
	sec := c.Section(target, "sdk")
	sdk := SDK{
		Image:         stringAt(sec, "image"),
		RepoURL:       stringAt(sec, "repo_url"),
		RepoRelease:   stringAt(sec, "repo_release"),
		Packages:      parsePackages(sec["packages"]),
		ContainerArgs: c.expandArgs(sec["container_args"]),
	}
	if v, ok := c.lookupEnv("AVOCADO_SDK_REPO_URL"); ok && v != "" {
		sdk.RepoURL = v
	}
	if v, ok := c.lookupEnv("AVOCADO_SDK_REPO_RELEASE"); ok && v != "" {
		sdk.RepoRelease = v
	}
	if b, ok := sec["disable_weak_dependencies"].(bool); ok {
		sdk.DisableWeakDependencies = b
	}
	compile, _ := sec["compile"].(Map)
	for _, name := range sortedKeys(compile) {
		cs, _ := compile[name].(Map)
		pkgs := cs["packages"]
		if pkgs == nil {
			pkgs = cs["dependencies"]
		}
		sdk.Compile = append(sdk.Compile, CompileSection{
			Name:     name,
			Script:   stringAt(cs, "compile"),
			Packages: parsePackages(pkgs),
		})
	}
	return sdk
}

// HasCompileSections reports whether any sdk.compile section exists.
func (c *Config) HasCompileSections() bool {
	return len(lookupMap(c.root, "sdk", "compile")) > 0
}

// ExtensionNames lists extensions sorted by name.
func (c *Config) ExtensionNames() []string {
	return sortedKeys(lookupMap(c.root, "extensions"))
}

// Extension returns the merged extension section.
func (c *Config) Extension(name, target string) (*Extension, bool) {
	if _, ok := lookupMap(c.root, "extensions")[name]; !ok {
		return nil, false
	}
	sec := c.Section(target, "extensions", name)
	ext := &Extension{
		Name:    name,
		Version: stringAt(sec, "version"),
		Types:   stringsAt(sec, "types"),
		Scopes:  stringsAt(sec, "scopes"),
		Raw:     sec,
	}
	if ext.Version == "" {
		ext.Version = DefaultExtensionVersion
	}
	if len(ext.Types) == 0 {
		ext.Types = []string{"sysext"}
	}
	ext.Packages = mergedPackages(sec)
	ext.ExtRefs = extRefs(sec)
	sdkPkgs := lookupMap(sec, "sdk")["packages"]
	if sdkPkgs == nil {
		sdkPkgs = lookupMap(sec, "sdk")["dependencies"]
	}
	ext.SDKPackages = parsePackages(sdkPkgs)
	if src, ok := sec["source"].(Map); ok {
		ext.Source = parseSource(src)
	}
	return ext, true
}

// ExtensionSDKPackages unions the sdk.packages of every extension.
func (c *Config) ExtensionSDKPackages(target string) []PackageRef {
	merged := Map{}
	for _, name := range c.ExtensionNames() {
		ext, _ := c.Extension(name, target)
		for _, p := range ext.SDKPackages {
			if _, ok := merged[p.Name]; !ok {
				merged[p.Name] = p.Version
			}
		}
	}
	return parsePackages(merged)
}

// RuntimeNames lists runtimes sorted by name.
func (c *Config) RuntimeNames() []string {
	return sortedKeys(lookupMap(c.root, "runtimes"))
}

// Runtime returns the merged runtime section.
func (c *Config) Runtime(name, target string) (*Runtime, bool) {
	if _, ok := lookupMap(c.root, "runtimes")[name]; !ok {
		return nil, false
	}
	sec := c.Section(target, "runtimes", name)
	rt := &Runtime{
		Name:              name,
		Target:            stringAt(sec, "target"),
		Extensions:        stringsAt(sec, "extensions"),
		ExtRefs:           extRefs(sec),
		Packages:          mergedPackages(sec),
		StoneIncludePaths: stringsAt(sec, "stone_include_paths"),
		StoneManifest:     stringAt(sec, "stone_manifest"),
		Raw:               sec,
	}
	if s, ok := sec["signing"].(Map); ok {
		rt.Signing = &Signing{
			Key:               stringAt(s, "key"),
			ChecksumAlgorithm: stringAt(s, "checksum_algorithm"),
		}
		if rt.Signing.ChecksumAlgorithm == "" {
			rt.Signing.ChecksumAlgorithm = DefaultChecksumAlgorithm
		}
	}
	return rt, true
}

// RuntimesForTarget lists runtimes whose target is target or unset.
func (c *Config) RuntimesForTarget(target string) []string {
	var out []string
	for _, name := range c.RuntimeNames() {
		rt, _ := c.Runtime(name, target)
		if rt.Target == "" || rt.Target == target {
			out = append(out, name)
		}
	}
	return out
}

// RuntimePackagesValue is the merged runtime package table used for stamp
// input hashing.
func (rt *Runtime) RuntimePackagesValue() Map {
	m := Map{}
	for _, p := range rt.Packages {
		m[p.Name] = p.Version
	}
	return m
}

// SigningKeys maps local key aliases to registry key IDs. A sequence of
// single-entry mappings is accepted as well as a mapping.
func (c *Config) SigningKeys() map[string]string {
	out := make(map[string]string)
	v, _ := lookup(c.root, "signing_keys")
	switch t := v.(type) {
	case Map:
		for k, val := range t {
			if s, ok := scalarString(val); ok {
				out[k] = s
			}
		}
	case []any:
		for _, item := range t {
			if m, ok := item.(Map); ok {
				for k, val := range m {
					if s, ok := scalarString(val); ok {
						out[k] = s
					}
				}
			}
		}
	}
	return out
}

// ProvisionProfile returns provision.<name> merged for target.
func (c *Config) ProvisionProfile(name, target string) (*ProvisionProfile, bool) {
	if _, ok := lookupMap(c.root, "provision")[name]; !ok {
		return nil, false
	}
	sec := c.Section(target, "provision", name)
	p := &ProvisionProfile{
		Name:          name,
		ContainerArgs: c.expandArgs(sec["container_args"]),
		StateFile:     stringAt(sec, "state_file"),
		Raw:           sec,
	}
	if p.StateFile == "" {
		p.StateFile = DefaultStateFile
	}
	return p, true
}

// ContainerPath maps a project-relative path to its location under /opt/src.
func (c *Config) ContainerPath(p string) string {
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(c.SrcDir(), p); err == nil && !strings.HasPrefix(rel, "..") {
			return "/opt/src/" + filepath.ToSlash(rel)
		}
		return p
	}
	return "/opt/src/" + filepath.ToSlash(filepath.Clean(p))
}

// expandArgs reads container_args as a list or a space-separated string and
// expands $VAR references from the environment.
func (c *Config) expandArgs(v any) []string {
	var args []string
	switch t := v.(type) {
	case string:
		args = strings.Fields(t)
	default:
		args = toStrings(t)
	}
	for i, a := range args {
		args[i] = os.Expand(a, func(name string) string {
			val, _ := c.lookupEnv(name)
			return val
		})
	}
	return args
}

// MergeContainerArgs appends extra to base, dropping exact duplicates while
// keeping first occurrences.
func MergeContainerArgs(base, extra []string) []string {
	var out []string
	for _, a := range slices.Concat(base, extra) {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func mergedPackages(sec Map) []PackageRef {
	merged := Map{}
	if deps, ok := sec["dependencies"].(Map); ok {
		for k, v := range deps {
			merged[k] = v
		}
	}
	if pkgs, ok := sec["packages"].(Map); ok {
		for k, v := range pkgs {
			merged[k] = v
		}
	} else if list, ok := sec["packages"].([]any); ok {
		for _, n := range toStrings(list) {
			merged[n] = "*"
		}
	}
	return parsePackages(merged)
}

func extRefs(sec Map) []ExtRef {
	deps, _ := sec["dependencies"].(Map)
	var refs []ExtRef
	for _, key := range sortedKeys(deps) {
		if ref, ok := ParseExtRef(key, deps[key]); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func parseSource(m Map) *Source {
	s := &Source{
		Type:           SourceType(stringAt(m, "type")),
		Version:        stringAt(m, "version"),
		Package:        stringAt(m, "package"),
		RepoName:       stringAt(m, "repo_name"),
		URL:            stringAt(m, "url"),
		Ref:            stringAt(m, "ref"),
		Path:           stringAt(m, "path"),
		SparseCheckout: toStrings(m["sparse_checkout"]),
		Include:        toStrings(m["include"]),
	}
	if s.Type == "repo" {
		s.Type = SourcePackage
	}
	if s.Version == "" && s.Type == SourcePackage {
		s.Version = "*"
	}
	return s
}
