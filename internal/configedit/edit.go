// SPDX-License-Identifier: MPL-2.0

package configedit

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope kinds.
const (
	Extension Kind = iota + 1
	Runtime
	SDK
)

// ErrScopeNotFound is returned when the named extension, runtime or sdk
// section does not exist.
var ErrScopeNotFound = errors.New("package scope not found")

type (
	// Kind is the kind of section a Scope edits.
	Kind int

	// Scope selects the packages block to edit.
	Scope struct {
		Kind Kind
		// Name is the extension or runtime name; unused for SDK.
		Name string
	}

	// block locates a packages mapping. start..end are its entry lines;
	// key is -1 when the scope has no packages key yet.
	block struct {
		key         int
		start, end  int
		entryIndent string
		childIndent string
	}
)

// ExtensionScope edits extensions.<name>.packages.
func ExtensionScope(name string) Scope { return Scope{Kind: Extension, Name: name} }

// RuntimeScope edits runtimes.<name>.packages.
func RuntimeScope(name string) Scope { return Scope{Kind: Runtime, Name: name} }

// SDKScope edits sdk.packages.
func SDKScope() Scope { return Scope{Kind: SDK} }

func (s Scope) String() string {
	switch s.Kind {
	case Extension:
		return fmt.Sprintf("extension '%s'", s.Name)
	case Runtime:
		return fmt.Sprintf("runtime '%s'", s.Name)
	default:
		return "sdk"
	}
}

// AddPackages adds names missing from scope to the file at path and returns
// the names it added. The file is only written when something changed.
func AddPackages(path string, scope Scope, names []string) ([]string, error) {
	return editFile(path, func(content string) (string, []string, error) {
		return Add(content, scope, names)
	})
}

// RemovePackages removes names from scope in the file at path and returns
// the names it removed.
func RemovePackages(path string, scope Scope, names []string) ([]string, error) {
	return editFile(path, func(content string) (string, []string, error) {
		return Remove(content, scope, names)
	})
}

func editFile(path string, edit func(string) (string, []string, error)) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	out, changed, err := edit(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return changed, nil
}

// Add inserts `name: "*"` for every name not already in scope, in the
// order given.
func Add(content string, scope Scope, names []string) (string, []string, error) {
	lines := splitLines(content)
	b, err := findBlock(lines, scope)
	if err != nil {
		return "", nil, err
	}
	existing := make(map[string]bool)
	for _, l := range lines[b.start:b.end] {
		if name, ok := entryName(l); ok && indentOf(l) == len(b.entryIndent) {
			existing[name] = true
		}
	}
	var added []string
	for _, n := range names {
		if !existing[n] {
			existing[n] = true
			added = append(added, n)
		}
	}
	if len(added) == 0 {
		return content, nil, nil
	}

	insert := make([]string, 0, len(added)+1)
	at := b.end
	if b.key < 0 {
		insert = append(insert, b.childIndent+"packages:")
		at = b.start
	}
	for _, n := range added {
		insert = append(insert, b.entryIndent+yamlKey(n)+`: "*"`)
	}
	out := joinLines(slices.Insert(lines, at, insert...), content)
	if err := verify(out); err != nil {
		return "", nil, err
	}
	return out, added, nil
}

// Remove drops the entries of scope whose names are listed.
func Remove(content string, scope Scope, names []string) (string, []string, error) {
	lines := splitLines(content)
	b, err := findBlock(lines, scope)
	if err != nil {
		return "", nil, err
	}
	if b.key < 0 {
		return content, nil, nil
	}
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var removed []string
	out := make([]string, 0, len(lines))
	dropping := false
	for i, l := range lines {
		if i >= b.start && i < b.end {
			// Nested lines of a dropped entry go with it.
			if dropping && (strings.TrimSpace(l) == "" || indentOf(l) > len(b.entryIndent)) {
				continue
			}
			dropping = false
			if name, ok := entryName(l); ok && drop[name] && indentOf(l) == len(b.entryIndent) {
				removed = append(removed, name)
				dropping = true
				continue
			}
		}
		out = append(out, l)
	}
	if len(removed) == 0 {
		return content, nil, nil
	}
	result := joinLines(out, content)
	if err := verify(result); err != nil {
		return "", nil, err
	}
	return result, removed, nil
}

func findBlock(lines []string, scope Scope) (block, error) {
	scopeLine, err := findScope(lines, scope)
	if err != nil {
		return block{}, err
	}
	scopeIndent := indentOf(lines[scopeLine])
	b := block{key: -1}

	// The scope's direct children share the indent of its first child.
	childIndent := -1
	end := scopeLine + 1
	for i := scopeLine + 1; i < len(lines); i++ {
		if skippable(lines[i]) {
			continue
		}
		ind := indentOf(lines[i])
		if ind <= scopeIndent {
			break
		}
		end = i + 1
		if childIndent < 0 {
			childIndent = ind
		}
		if ind == childIndent && strings.TrimSpace(stripComment(lines[i])) == "packages:" {
			b.key = i
			break
		}
	}
	if childIndent < 0 {
		childIndent = scopeIndent + 2
	}
	b.childIndent = strings.Repeat(" ", childIndent)

	if b.key < 0 {
		// No packages key: a new one goes after the scope's last child.
		b.start, b.end = end, end
		b.entryIndent = strings.Repeat(" ", childIndent+2)
		return b, nil
	}

	keyIndent := indentOf(lines[b.key])
	b.start = b.key + 1
	b.end = b.start
	for i := b.start; i < len(lines); i++ {
		if skippable(lines[i]) {
			continue
		}
		if indentOf(lines[i]) <= keyIndent {
			break
		}
		// Trailing blank and comment lines stay outside the block.
		b.end = i + 1
	}
	b.entryIndent = strings.Repeat(" ", keyIndent+2)
	for _, l := range lines[b.start:b.end] {
		if !skippable(l) {
			b.entryIndent = strings.Repeat(" ", indentOf(l))
			break
		}
	}
	return b, nil
}

func findScope(lines []string, scope Scope) (int, error) {
	var top string
	switch scope.Kind {
	case Extension:
		top = "extensions"
	case Runtime:
		top = "runtimes"
	case SDK:
		top = "sdk"
	default:
		return 0, fmt.Errorf("invalid scope kind %d", scope.Kind)
	}
	topLine := -1
	for i, l := range lines {
		if indentOf(l) == 0 && keyOf(l) == top {
			topLine = i
			break
		}
	}
	if topLine < 0 {
		return 0, fmt.Errorf("%w: no top-level '%s' section for %s", ErrScopeNotFound, top, scope)
	}
	if scope.Kind == SDK {
		return topLine, nil
	}
	childIndent := -1
	for i := topLine + 1; i < len(lines); i++ {
		if skippable(lines[i]) {
			continue
		}
		ind := indentOf(lines[i])
		if ind == 0 {
			break
		}
		if childIndent < 0 {
			childIndent = ind
		}
		if ind == childIndent && keyOf(lines[i]) == scope.Name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not defined", ErrScopeNotFound, scope)
}

// entryName extracts the mapping key of a package entry line.
func entryName(line string) (string, bool) {
	if skippable(line) {
		return "", false
	}
	name := keyOf(line)
	return name, name != ""
}

// keyOf returns the unquoted key of a `key:` line, or "".
func keyOf(line string) string {
	t := strings.TrimSpace(line)
	if strings.HasPrefix(t, "- ") {
		return ""
	}
	var key string
	switch {
	case strings.HasPrefix(t, `"`) || strings.HasPrefix(t, `'`):
		q := t[:1]
		end := strings.Index(t[1:], q)
		if end < 0 || !strings.HasPrefix(t[end+2:], ":") {
			return ""
		}
		key = t[1 : end+1]
	default:
		k, _, ok := strings.Cut(t, ":")
		if !ok {
			return ""
		}
		key = strings.TrimSpace(k)
	}
	return key
}

func yamlKey(name string) string {
	if strings.ContainsAny(name, ":#{}[],&*!|>'\"%@`") || strings.TrimSpace(name) != name {
		return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
	}
	return name
}

func skippable(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "#")
}

func stripComment(line string) string {
	if i := strings.Index(line, " #"); i >= 0 {
		return line[:i]
	}
	return line
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " "))
}

func splitLines(content string) []string {
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

// joinLines keeps the original's trailing newline.
func joinLines(lines []string, original string) string {
	out := strings.Join(lines, "\n")
	if strings.HasSuffix(original, "\n") {
		out += "\n"
	}
	return out
}

func verify(content string) error {
	var v any
	if err := yaml.Unmarshal([]byte(content), &v); err != nil {
		return fmt.Errorf("edit would produce invalid YAML: %w", err)
	}
	return nil
}
